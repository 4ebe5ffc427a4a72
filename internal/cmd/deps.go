package cmd

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"chat-client/internal/api"
	"chat-client/internal/config"
	"chat-client/internal/db"
	"chat-client/internal/models"
	"chat-client/internal/rabbitmq"
	"chat-client/internal/repositories"
	"chat-client/internal/session"
	"chat-client/internal/telemetry"
)

func newAPIClient() (*api.Client, error) {
	return api.New(api.Options{
		BaseURL:            cfg.APIURL,
		Token:              cfg.Token,
		Timeout:            cfg.HTTPTimeout,
		RetryMaxElapsed:    cfg.RetryMaxElapsed,
		BreakerMaxFailures: cfg.BreakerMaxFailures,
		BreakerTimeout:     cfg.BreakerTimeout,
		Logger:             log,
	})
}

// groupSource lists and looks up groups from the configured history source.
type groupSource interface {
	ListGroups(ctx context.Context) ([]models.Group, error)
	GetGroup(ctx context.Context, groupID string) (models.Group, error)
}

type groupStore interface {
	ListGroups(ctx context.Context) ([]models.Group, error)
	ListGroupsForUser(ctx context.Context, userID string) ([]models.Group, error)
	GetGroup(ctx context.Context, groupID string) (models.Group, error)
}

// memberGroups narrows database listings to the groups the user belongs to,
// as the REST API does for the caller.
type memberGroups struct {
	groupStore
	userID string
}

func (g memberGroups) ListGroups(ctx context.Context) ([]models.Group, error) {
	if g.userID == "" {
		return g.groupStore.ListGroups(ctx)
	}
	return g.groupStore.ListGroupsForUser(ctx, g.userID)
}

// sources picks the REST API or the chat database for history and groups.
// The returned func releases the database pool, if any.
func sources(ctx context.Context, client *api.Client) (session.HistoryLoader, groupSource, func(), error) {
	switch cfg.HistorySource {
	case config.HistorySourcePostgres:
		conn, err := db.Connect(ctx, cfg.DBDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Info("history from database")
		groups := memberGroups{groupStore: repositories.NewGroupRepo(conn), userID: cfg.UserID}
		return repositories.NewGroupMessageRepo(conn, log), groups, closeDB(conn), nil
	case config.HistorySourceREST, "":
		return client, client, func() {}, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown history source %q", cfg.HistorySource)
}

func closeDB(conn *sqlx.DB) func() {
	return func() {
		if err := conn.Close(); err != nil {
			log.Warn("close db", zap.Error(err))
		}
	}
}

func newAuditEmitter() (*telemetry.AuditEmitter, rabbitmq.Publisher) {
	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, log)
	log.Debug("audit publisher",
		zap.String("mode", rabbitmq.PublisherMode(publisher)),
		zap.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)),
	)
	return telemetry.NewAuditEmitter(publisher, cfg.AuditRoutingKey, serviceName, cfg.Environment, log), publisher
}
