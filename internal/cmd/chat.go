package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chat-client/internal/api"
	"chat-client/internal/handlers"
	"chat-client/internal/models"
	"chat-client/internal/session"
	"chat-client/internal/telemetry"
	"chat-client/internal/ws"
)

var reopenMaxElapsed time.Duration

var chatCmd = &cobra.Command{
	Use:   "chat <group-id>",
	Short: "Join a group chat",
	Long: `Opens a session for the group, prints its history and live messages, and
reads messages and commands from stdin. Type /help for the command list.
A dropped connection is reopened with exponential backoff.`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().DurationVar(&reopenMaxElapsed, "reopen-max-elapsed", 2*time.Minute, "Give up reopening a dropped session after this long (0 retries forever)")
	rootCmd.AddCommand(chatCmd)
}

// chatSession is the composing layer around a session.Controller: it owns
// rendering and the reopen policy.
type chatSession struct {
	ctrl    *session.Controller
	client  *api.Client
	groupID string
	out     *renderer

	live    atomic.Bool
	dropped chan struct{}
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	groupID := args[0]
	if cfg.UserID == "" {
		return errors.New("user id unknown: set CHAT_USER_ID or use a token carrying a user claim")
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	history, _, release, err := sources(ctx, client)
	if err != nil {
		return err
	}
	defer release()

	audit, publisher := newAuditEmitter()
	defer publisher.Close()

	conn := ws.NewConnectionManager(ws.Options{
		URL:            cfg.ServerURL,
		Token:          cfg.Token,
		ConnectTimeout: cfg.ConnectTimeout,
		Logger:         log,
	})
	ctrl := session.New(session.Options{
		UserID:     cfg.UserID,
		AckTimeout: cfg.AckTimeout,
		Logger:     log,
		Audit:      audit,
	}, conn, history)

	s := &chatSession{
		ctrl:    ctrl,
		client:  client,
		groupID: groupID,
		out:     newRenderer(cmd.OutOrStdout(), cfg.UserID),
		dropped: make(chan struct{}, 1),
	}
	defer func() {
		s.live.Store(false)
		ctrl.Close()
	}()

	if cfg.DebugAddr != "" {
		stop := startDebugServer(ctrl, audit)
		defer stop()
	}

	if err := s.open(ctx); err != nil {
		return err
	}
	s.out.printf("joined %s, /help for commands\n", groupID)

	lines := readLines(cmd.InOrStdin())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.dropped:
			s.out.printf("connection lost, reconnecting\n")
			s.live.Store(false)
			ctrl.Close()
			if err := s.open(ctx); err != nil {
				return err
			}
			s.out.printf("reconnected\n")
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := s.handle(ctx, line)
			if err != nil {
				s.out.printf("! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// open subscribes and opens the session, retrying with exponential backoff.
// Subscriptions are released by every failed attempt, so each attempt renews them.
func (s *chatSession) open(ctx context.Context) error {
	operation := func() error {
		s.ctrl.SubscribeMessages(s.out.render)
		s.ctrl.SubscribeConnectionState(s.onState)

		err := s.ctrl.Open(ctx, s.groupID)
		if err == nil {
			s.live.Store(true)
			return nil
		}
		if errors.Is(err, api.ErrUnauthorized) || errors.Is(err, api.ErrNotFound) || errors.Is(err, session.ErrAlreadyOpen) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = reopenMaxElapsed
	notify := func(err error, wait time.Duration) {
		log.Warn("open failed", zap.String("group_id", s.groupID), zap.Error(err), zap.Duration("retry_in", wait))
		s.out.printf("! %v, retrying in %s\n", err, wait.Round(100*time.Millisecond))
	}
	return backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
}

func (s *chatSession) onState(state models.ConnectionState) {
	if state != models.Disconnected || !s.live.Load() {
		return
	}
	select {
	case s.dropped <- struct{}{}:
	default:
	}
}

func (s *chatSession) handle(ctx context.Context, line string) (bool, error) {
	if strings.TrimSpace(line) == "" {
		return false, nil
	}
	in, err := parseInput(line)
	if err != nil {
		return false, err
	}

	switch in.kind {
	case inputQuit:
		return true, nil
	case inputHelp:
		s.out.printf("%s\n", helpText)
		return false, nil
	case inputList:
		s.out.printAll(s.ctrl.Messages())
		return false, nil
	case inputUpload:
		url, err := s.upload(ctx, in.path)
		if err != nil {
			return false, err
		}
		in.action.Body = url
	}

	_, err = s.ctrl.Dispatch(in.action)
	return false, err
}

func (s *chatSession) upload(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return s.client.UploadMedia(ctx, path, f)
}

func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func startDebugServer(view handlers.SessionView, audit *telemetry.AuditEmitter) func() {
	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              cfg.DebugAddr,
		Handler:           handlers.NewDebugRouter(view, audit, cfg.DebugToken),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("debug server listening", zap.String("addr", cfg.DebugAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("debug server stopped", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "debug server shutdown:", err)
		}
	}
}
