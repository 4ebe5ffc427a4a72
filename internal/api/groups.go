package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"chat-client/internal/models"
)

// GroupHistory returns the chronological history of a group. The server may
// answer with a bare array or with {"messages": [...]}.
func (c *Client) GroupHistory(ctx context.Context, groupID string) ([]models.Message, error) {
	if strings.TrimSpace(groupID) == "" {
		return nil, fmt.Errorf("%w: group id is required", ErrInvalidInput)
	}

	var raw json.RawMessage
	err := c.do(ctx, request{
		method: http.MethodGet,
		route:  "/groups/:id/history",
		path:   "/groups/" + url.PathEscape(groupID) + "/history",
		retry:  true,
	}, &raw)
	if err != nil {
		return nil, err
	}

	var wire []models.WireMessage
	if err := decodeList(raw, "messages", &wire); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}

	msgs := make([]models.Message, 0, len(wire))
	for _, w := range wire {
		m, err := w.ToMessage()
		if err != nil {
			c.log.Warn("history entry skipped", zap.String("group_id", groupID), zap.Error(err))
			continue
		}
		if m.GroupID == "" {
			m.GroupID = groupID
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// ListGroups returns the groups visible to the caller.
func (c *Client) ListGroups(ctx context.Context) ([]models.Group, error) {
	var raw json.RawMessage
	err := c.do(ctx, request{
		method: http.MethodGet,
		route:  "/groups",
		path:   "/groups",
		retry:  true,
	}, &raw)
	if err != nil {
		return nil, err
	}

	var groups []models.Group
	if err := decodeList(raw, "groups", &groups); err != nil {
		return nil, fmt.Errorf("decode groups: %w", err)
	}
	return groups, nil
}

// GetGroup returns one group. The server may answer with the group itself
// or with {"group": {...}}.
func (c *Client) GetGroup(ctx context.Context, groupID string) (models.Group, error) {
	if strings.TrimSpace(groupID) == "" {
		return models.Group{}, fmt.Errorf("%w: group id is required", ErrInvalidInput)
	}

	var resp struct {
		models.Group
		Wrapped *models.Group `json:"group"`
	}
	err := c.do(ctx, request{
		method: http.MethodGet,
		route:  "/groups/:id",
		path:   "/groups/" + url.PathEscape(groupID),
		retry:  true,
	}, &resp)
	if err != nil {
		return models.Group{}, err
	}

	group := resp.Group
	if resp.Wrapped != nil {
		group = *resp.Wrapped
	}
	if group.ID == "" {
		group.ID = groupID
	}
	return group, nil
}

type CreateGroupRequest struct {
	Name            string   `json:"name"`
	Categories      []string `json:"memberCategories"`
	BackgroundColor string   `json:"backgroundColor,omitempty"`
}

// Validate mirrors the creation form: a name and at least one category.
func (r CreateGroupRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: group name is required", ErrInvalidInput)
	}
	for _, cat := range r.Categories {
		if strings.TrimSpace(cat) != "" {
			return nil
		}
	}
	return fmt.Errorf("%w: select at least one category", ErrInvalidInput)
}

// CreateGroup creates a group and returns it as reported by the server.
func (c *Client) CreateGroup(ctx context.Context, req CreateGroupRequest) (models.Group, error) {
	if err := req.Validate(); err != nil {
		return models.Group{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	cats := make([]string, 0, len(req.Categories))
	for _, cat := range req.Categories {
		if cat = strings.TrimSpace(cat); cat != "" {
			cats = append(cats, cat)
		}
	}
	req.Categories = cats

	body, err := json.Marshal(req)
	if err != nil {
		return models.Group{}, err
	}

	var resp struct {
		models.Group
		LegacyID json.RawMessage `json:"group_id"`
	}
	err = c.do(ctx, request{
		method: http.MethodPost,
		route:  "/groups",
		path:   "/groups",
		body: func() (io.Reader, string, error) {
			return bytes.NewReader(body), "application/json", nil
		},
	}, &resp)
	if err != nil {
		return models.Group{}, err
	}

	group := resp.Group
	if group.ID == "" && len(resp.LegacyID) > 0 {
		group.ID = strings.Trim(string(resp.LegacyID), `"`)
	}
	if group.Name == "" {
		group.Name = req.Name
	}
	if len(group.MemberCategories) == 0 {
		group.MemberCategories = req.Categories
	}
	if group.BackgroundColor == "" {
		group.BackgroundColor = req.BackgroundColor
	}
	return group, nil
}

// decodeList accepts a bare JSON array or an object holding the array under key.
func decodeList(raw json.RawMessage, key string, out any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '[' {
		return json.Unmarshal(trimmed, out)
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return err
	}
	list, ok := wrapped[key]
	if !ok {
		return fmt.Errorf("missing %q", key)
	}
	if bytes.Equal(bytes.TrimSpace(list), []byte("null")) {
		return nil
	}
	return json.Unmarshal(list, out)
}
