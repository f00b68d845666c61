package db

import "time"

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	Disabled     bool      `json:"disabled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type AuditLog struct {
	ID          int64     `json:"id"`
	ActorUserID *int64    `json:"actor_user_id"`
	Action      string    `json:"action"`
	Target      string    `json:"target"`
	Metadata    string    `json:"metadata"`
	CreatedAt   time.Time `json:"created_at"`
	Username    *string   `json:"username,omitempty"`
}
