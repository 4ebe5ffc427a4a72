package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"chat-client/internal/logger"
	"chat-client/internal/models"
)

// GroupMessageRepo reads group history straight from the chat database.
type GroupMessageRepo struct {
	db  *sqlx.DB
	log *zap.Logger
}

// NewGroupMessageRepo constructs a GroupMessageRepo.
func NewGroupMessageRepo(db *sqlx.DB, log *zap.Logger) *GroupMessageRepo {
	return &GroupMessageRepo{db: db, log: logger.OrNop(log)}
}

type groupMessageRow struct {
	ID          string         `db:"id"`
	GroupID     string         `db:"group_id"`
	SenderID    string         `db:"sender_id"`
	MessageType sql.NullString `db:"message_type"`
	Content     sql.NullString `db:"content"`
	FileURL     sql.NullString `db:"file_url"`
	CreatedAt   time.Time      `db:"created_at"`
	EditedAt    sql.NullTime   `db:"edited_at"`
}

const groupMessageColumns = `id::text AS id, group_id::text AS group_id, sender_id::text AS sender_id,
	message_type, content, file_url, created_at, edited_at`

// GroupHistory returns messages ordered by creation, excluding deleted_for_all.
func (r *GroupMessageRepo) GroupHistory(ctx context.Context, groupID string) ([]models.Message, error) {
	var rows []groupMessageRow
	err := r.db.SelectContext(ctx, &rows, `SELECT `+groupMessageColumns+` FROM group_messages
		WHERE group_id::text = $1 AND deleted_for_all = FALSE ORDER BY created_at ASC, id ASC`, groupID)
	if err != nil {
		return nil, err
	}

	return r.toMessages(groupID, rows), nil
}

// toMessages converts rows, skipping those with an unknown message type.
func (r *GroupMessageRepo) toMessages(groupID string, rows []groupMessageRow) []models.Message {
	msgs := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := row.toMessage()
		if err != nil {
			r.log.Warn("history row skipped", zap.String("group_id", groupID), zap.String("message_id", row.ID), zap.Error(err))
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func (row groupMessageRow) toMessage() (models.Message, error) {
	kind, err := models.ParseMessageKind(row.MessageType.String)
	if err != nil {
		return models.Message{}, err
	}
	msg := models.Message{
		ID:            row.ID,
		GroupID:       row.GroupID,
		SenderID:      row.SenderID,
		Kind:          kind,
		Body:          row.Content.String,
		Timestamp:     row.CreatedAt,
		DeliveryState: models.StateConfirmed,
	}
	if kind.IsMedia() && row.FileURL.Valid {
		msg.Body = row.FileURL.String
	}
	if row.EditedAt.Valid {
		editedAt := row.EditedAt.Time
		msg.EditedAt = &editedAt
	}
	return msg, nil
}
