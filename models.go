package auth

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	// RolePrefix is stripped from stored roles to build authorities
	RolePrefix = "ROLE_"
	// RoleUser is granted to new accounts
	RoleUser = "ROLE_USER"
	// RoleManager and RoleAdmin are recognised but never assigned here
	RoleManager = "ROLE_MANAGER"
	RoleAdmin   = "ROLE_ADMIN"
)

// User is the durable identity record
type User struct {
	bun.BaseModel `bun:"table:users,alias:usr"`
	ID            uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Username      string     `bun:"username,notnull,unique" json:"username"`
	PasswordHash  string     `bun:"password_hash" json:"-"`
	Email         string     `bun:"email" json:"email,omitempty"`
	Role          string     `bun:"user_role,notnull" json:"role"`
	Provider      string     `bun:"provider" json:"provider,omitempty"`
	ProviderID    string     `bun:"provider_id" json:"provider_id,omitempty"`
	RefreshToken  string     `bun:"refresh_token,nullzero,unique" json:"-"`
	CreatedAt     *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt     *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
}

// IsFederated is true for accounts provisioned by an external provider
func (u *User) IsFederated() bool {
	return u != nil && u.Provider != ""
}

// Authority returns the role without its ROLE_ prefix
func (u *User) Authority() string {
	if u == nil {
		return ""
	}
	return strings.TrimPrefix(u.Role, RolePrefix)
}

// FederatedUsername is the canonical local username for a provider subject
func FederatedUsername(provider, subject string) string {
	return provider + "_" + subject
}

// clone returns a detached copy so stores never hand out shared pointers
func (u *User) clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

func prepareUserDefaults(record *User) {
	if record == nil {
		return
	}

	if record.Role == "" {
		record.Role = RoleUser
	}

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}

	now := time.Now()
	if record.CreatedAt == nil {
		record.CreatedAt = &now
	}
	record.UpdatedAt = &now
}
