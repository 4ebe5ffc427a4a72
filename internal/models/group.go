package models

import "time"

// Group represents a chat room. Membership is defined by class/role tags.
type Group struct {
	ID               string    `db:"id" json:"id"`
	Name             string    `db:"name" json:"name"`
	MemberCategories []string  `db:"-" json:"memberCategories"`
	BackgroundColor  string    `db:"background_color" json:"backgroundColor,omitempty"`
	DPURL            string    `db:"dp_url" json:"dpUrl,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"createdAt"`
}
