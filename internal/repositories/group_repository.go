package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chat-client/internal/models"
)

var ErrGroupNotFound = errors.New("group not found")

// GroupRepo reads groups from the chat database.
type GroupRepo struct {
	db *sqlx.DB
}

// NewGroupRepo constructs a GroupRepo.
func NewGroupRepo(db *sqlx.DB) *GroupRepo {
	return &GroupRepo{db: db}
}

type groupRow struct {
	ID               string         `db:"id"`
	Name             string         `db:"name"`
	MemberCategories pq.StringArray `db:"member_categories"`
	BackgroundColor  sql.NullString `db:"background_color"`
	DPURL            sql.NullString `db:"dp_url"`
	CreatedAt        time.Time      `db:"created_at"`
}

func (row groupRow) toGroup() models.Group {
	return models.Group{
		ID:               row.ID,
		Name:             row.Name,
		MemberCategories: []string(row.MemberCategories),
		BackgroundColor:  row.BackgroundColor.String,
		DPURL:            row.DPURL.String,
		CreatedAt:        row.CreatedAt,
	}
}

const groupColumns = `g.id::text AS id, g.name, g.member_categories, g.background_color, g.dp_url, g.created_at`

// ListGroups returns every group, newest first.
func (r *GroupRepo) ListGroups(ctx context.Context) ([]models.Group, error) {
	var rows []groupRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT `+groupColumns+` FROM groups g ORDER BY g.created_at DESC`); err != nil {
		return nil, err
	}
	return toGroups(rows), nil
}

// ListGroupsForUser returns groups that include the user.
func (r *GroupRepo) ListGroupsForUser(ctx context.Context, userID string) ([]models.Group, error) {
	var rows []groupRow
	err := r.db.SelectContext(ctx, &rows, `SELECT `+groupColumns+` FROM groups g
		INNER JOIN group_members gm ON gm.group_id = g.id
		WHERE gm.user_id::text = $1 ORDER BY g.created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	return toGroups(rows), nil
}

// GetGroup fetches a single group.
func (r *GroupRepo) GetGroup(ctx context.Context, groupID string) (models.Group, error) {
	var row groupRow
	err := r.db.GetContext(ctx, &row, `SELECT `+groupColumns+` FROM groups g WHERE g.id::text = $1`, groupID)
	if err := notFound(err, ErrGroupNotFound); err != nil {
		return models.Group{}, err
	}
	return row.toGroup(), nil
}

// notFound maps sql.ErrNoRows to the repository's sentinel.
func notFound(err, sentinel error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel
	}
	return err
}

func toGroups(rows []groupRow) []models.Group {
	groups := make([]models.Group, 0, len(rows))
	for _, row := range rows {
		groups = append(groups, row.toGroup())
	}
	return groups
}
