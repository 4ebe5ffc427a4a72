package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-client/internal/models"
)

func newTestClient(t *testing.T, router *gin.Engine, opts Options) *Client {
	t.Helper()
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	opts.BaseURL = srv.URL
	if opts.Token == "" {
		opts.Token = "tok"
	}
	opts.RetryInitialInterval = time.Millisecond
	if opts.RetryMaxElapsed == 0 {
		opts.RetryMaxElapsed = 2 * time.Second
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	_, err := New(Options{BaseURL: "not a url"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestGroupHistoryAcceptsBareArray(t *testing.T) {
	router := newRouter()
	router.GET("/groups/:group_id/history", func(c *gin.Context) {
		require.Equal(t, "Bearer tok", c.GetHeader("Authorization"))
		require.Equal(t, "g1", c.Param("group_id"))
		c.Data(http.StatusOK, "application/json", []byte(`[
			{"_id":"m1","groupId":"g1","senderId":"u2","messageType":"text","messageText":"hello","createdAt":"2024-05-01T10:00:00Z"},
			{"id":"m2","senderId":"u3","messageType":"image","fileUrl":"https://cdn/x.png","timestamp":"2024-05-01T10:01:00Z"},
			{"messageType":"text","messageText":"no id"}
		]`))
	})
	c := newTestClient(t, router, Options{})

	msgs, err := c.GroupHistory(context.Background(), "g1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "hello", msgs[0].Body)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), msgs[0].Timestamp.UTC())
	assert.Equal(t, models.StateConfirmed, msgs[0].DeliveryState)

	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, "g1", msgs[1].GroupID)
	assert.Equal(t, models.KindImage, msgs[1].Kind)
	assert.Equal(t, "https://cdn/x.png", msgs[1].Body)
}

func TestGroupHistoryAcceptsWrappedList(t *testing.T) {
	router := newRouter()
	router.GET("/groups/:group_id/history", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"messages": []gin.H{
			{"id": "m1", "groupId": "g1", "senderId": "u2", "messageType": "text", "messageText": "hi", "timestamp": "2024-05-01T10:00:00Z"},
		}})
	})
	c := newTestClient(t, router, Options{})

	msgs, err := c.GroupHistory(context.Background(), "g1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hi", msgs[0].Body)
}

func TestGroupHistoryRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	router := newRouter()
	router.GET("/groups/:group_id/history", func(c *gin.Context) {
		if hits.Add(1) < 3 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "warming up"})
			return
		}
		c.JSON(http.StatusOK, []gin.H{})
	})
	c := newTestClient(t, router, Options{})

	msgs, err := c.GroupHistory(context.Background(), "g1")
	require.NoError(t, err)
	require.Empty(t, msgs)
	require.Equal(t, int32(3), hits.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var hits atomic.Int32
	router := newRouter()
	router.GET("/groups/:group_id/history", func(c *gin.Context) {
		hits.Add(1)
		c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
	})
	router.GET("/groups", func(c *gin.Context) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a member"})
	})
	c := newTestClient(t, router, Options{})

	_, err := c.GroupHistory(context.Background(), "g404")
	require.ErrorIs(t, err, ErrNotFound)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.Code)
	require.Equal(t, "group not found", statusErr.Body)
	require.Equal(t, int32(1), hits.Load())

	_, err = c.ListGroups(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestGroupHistoryRequiresGroupID(t *testing.T) {
	c := newTestClient(t, newRouter(), Options{})
	_, err := c.GroupHistory(context.Background(), " ")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestListGroups(t *testing.T) {
	router := newRouter()
	router.GET("/groups", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"groups": []gin.H{
			{"id": "g1", "name": "Class 10A", "memberCategories": []string{"10A"}, "backgroundColor": "#ffcc00"},
		}})
	})
	c := newTestClient(t, router, Options{})

	groups, err := c.ListGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, "Class 10A", groups[0].Name)
	require.Equal(t, []string{"10A"}, groups[0].MemberCategories)
}

func TestGroupHistoryEscapesGroupID(t *testing.T) {
	router := newRouter()
	router.UseRawPath = true
	var gotID string
	router.GET("/groups/:id/history", func(c *gin.Context) {
		gotID = c.Param("id")
		c.JSON(http.StatusOK, []gin.H{})
	})
	c := newTestClient(t, router, Options{})

	_, err := c.GroupHistory(context.Background(), "a/b")
	require.NoError(t, err)
	require.Equal(t, "a/b", gotID)
}

func TestGetGroup(t *testing.T) {
	router := newRouter()
	router.GET("/groups/:id", func(c *gin.Context) {
		switch c.Param("id") {
		case "g1":
			c.JSON(http.StatusOK, gin.H{"id": "g1", "name": "Class 10A", "memberCategories": []string{"10A"}})
		case "g2":
			c.JSON(http.StatusOK, gin.H{"group": gin.H{"name": "Staff", "memberCategories": []string{"teachers"}}})
		default:
			c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
		}
	})
	c := newTestClient(t, router, Options{})

	g, err := c.GetGroup(context.Background(), "g1")
	require.NoError(t, err)
	require.Equal(t, "Class 10A", g.Name)

	g, err = c.GetGroup(context.Background(), "g2")
	require.NoError(t, err)
	require.Equal(t, "g2", g.ID)
	require.Equal(t, "Staff", g.Name)

	_, err = c.GetGroup(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateGroupValidatesBeforeSending(t *testing.T) {
	var hits atomic.Int32
	router := newRouter()
	router.POST("/groups", func(c *gin.Context) { hits.Add(1) })
	c := newTestClient(t, router, Options{})

	_, err := c.CreateGroup(context.Background(), CreateGroupRequest{Name: "  ", Categories: []string{"10A"}})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = c.CreateGroup(context.Background(), CreateGroupRequest{Name: "Staff", Categories: []string{" "}})
	require.ErrorIs(t, err, ErrInvalidInput)
	require.Zero(t, hits.Load())
}

func TestCreateGroupAcceptsLegacyResponse(t *testing.T) {
	router := newRouter()
	router.POST("/groups", func(c *gin.Context) {
		var req CreateGroupRequest
		require.NoError(t, c.ShouldBindJSON(&req))
		require.Equal(t, "Staff", req.Name)
		require.Equal(t, []string{"teachers", "admins"}, req.Categories)
		c.JSON(http.StatusCreated, gin.H{"group_id": 42})
	})
	c := newTestClient(t, router, Options{})

	group, err := c.CreateGroup(context.Background(), CreateGroupRequest{
		Name:       " Staff ",
		Categories: []string{"teachers", "", "admins"},
	})
	require.NoError(t, err)
	require.Equal(t, "42", group.ID)
	require.Equal(t, "Staff", group.Name)
	require.Equal(t, []string{"teachers", "admins"}, group.MemberCategories)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	router := newRouter()
	router.POST("/groups", func(c *gin.Context) {
		hits.Add(1)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db down"})
	})
	c := newTestClient(t, router, Options{BreakerMaxFailures: 2, BreakerTimeout: time.Minute})
	req := CreateGroupRequest{Name: "Staff", Categories: []string{"teachers"}}

	for i := 0; i < 2; i++ {
		_, err := c.CreateGroup(context.Background(), req)
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		require.Equal(t, http.StatusInternalServerError, statusErr.Code)
	}
	require.Equal(t, gobreaker.StateOpen, c.BreakerState())

	_, err := c.CreateGroup(context.Background(), req)
	require.ErrorIs(t, err, ErrUnavailable)
	require.Equal(t, int32(2), hits.Load())
}

func TestUploadMedia(t *testing.T) {
	router := newRouter()
	router.POST("/group-chat/upload-media", func(c *gin.Context) {
		fh, err := c.FormFile("media")
		require.NoError(t, err)
		require.Equal(t, "cat.png", fh.Filename)
		f, err := fh.Open()
		require.NoError(t, err)
		defer f.Close()
		data, err := io.ReadAll(f)
		require.NoError(t, err)
		require.Equal(t, "png-bytes", string(data))
		c.JSON(http.StatusOK, gin.H{"fileUrl": "https://cdn/cat.png"})
	})
	c := newTestClient(t, router, Options{})

	url, err := c.UploadMedia(context.Background(), "/tmp/pics/cat.png", strings.NewReader("png-bytes"))
	require.NoError(t, err)
	require.Equal(t, "https://cdn/cat.png", url)
}

func TestUploadMediaRejectsEmptyFile(t *testing.T) {
	c := newTestClient(t, newRouter(), Options{})
	_, err := c.UploadMedia(context.Background(), "empty.png", strings.NewReader(""))
	require.True(t, errors.Is(err, ErrInvalidInput))
}

func TestKindForFile(t *testing.T) {
	kind, err := KindForFile("a/b/Photo.JPG")
	require.NoError(t, err)
	require.Equal(t, models.KindImage, kind)

	kind, err = KindForFile("clip.mp4")
	require.NoError(t, err)
	require.Equal(t, models.KindVideo, kind)

	_, err = KindForFile("notes.txt")
	require.ErrorIs(t, err, ErrInvalidInput)
}
