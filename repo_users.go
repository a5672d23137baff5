package auth

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Users is the bun backed UserStore. Every method has a Tx variant that
// runs against the given bun.IDB.
type Users interface {
	repository.Repository[*User]
	UserStore

	CreateSchema(ctx context.Context) error

	FindByUsernameTx(ctx context.Context, tx bun.IDB, username string) (*User, error)
	FindByRefreshTokenTx(ctx context.Context, tx bun.IDB, token string) (*User, error)
	SaveTx(ctx context.Context, tx bun.IDB, user *User) (*User, error)
	SetRefreshTokenTx(ctx context.Context, tx bun.IDB, username, token string) error
	RotateRefreshTokenTx(ctx context.Context, tx bun.IDB, current, next string) (*User, error)
}

type users struct {
	repository.Repository[*User]
	db *bun.DB
}

var (
	_ Users                        = (*users)(nil)
	_ UserStore                    = (*users)(nil)
	_ repository.Repository[*User] = (*users)(nil)
)

// NewUsersRepository returns a Users store backed by db
func NewUsersRepository(db *bun.DB) Users {
	repo := repository.NewRepository[*User](db, repository.ModelHandlers[*User]{
		NewRecord: func() *User { return &User{} },
		GetID: func(u *User) uuid.UUID {
			if u == nil {
				return uuid.Nil
			}
			return u.ID
		},
		SetID: func(u *User, id uuid.UUID) {
			if u != nil {
				u.ID = id
			}
		},
	})

	return &users{
		Repository: repo,
		db:         db,
	}
}

// CreateSchema creates the users table when it does not exist
func (a *users) CreateSchema(ctx context.Context) error {
	_, err := a.db.NewCreateTable().
		Model((*User)(nil)).
		IfNotExists().
		Exec(ctx)
	return err
}

func (a *users) FindByUsername(ctx context.Context, username string) (*User, error) {
	return a.FindByUsernameTx(ctx, a.db, username)
}

func (a *users) FindByUsernameTx(ctx context.Context, tx bun.IDB, username string) (*User, error) {
	record := &User{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.username = ?", username).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, ErrIdentityNotFound
		}
		return nil, err
	}
	return record, nil
}

func (a *users) FindByRefreshToken(ctx context.Context, token string) (*User, error) {
	return a.FindByRefreshTokenTx(ctx, a.db, token)
}

func (a *users) FindByRefreshTokenTx(ctx context.Context, tx bun.IDB, token string) (*User, error) {
	if token == "" {
		return nil, ErrRefreshTokenNotFound
	}

	record := &User{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.refresh_token = ?", token).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, ErrRefreshTokenNotFound
		}
		return nil, err
	}
	return record, nil
}

// Save inserts users without an ID and updates the rest by primary key
func (a *users) Save(ctx context.Context, user *User) (*User, error) {
	return a.SaveTx(ctx, a.db, user)
}

func (a *users) SaveTx(ctx context.Context, tx bun.IDB, user *User) (*User, error) {
	if user == nil {
		return nil, ErrIdentityNotFound
	}

	record := user.clone()

	if record.ID == uuid.Nil {
		return a.CreateTx(ctx, tx, record)
	}

	now := time.Now()
	record.UpdatedAt = &now

	res, err := tx.NewUpdate().
		Model(record).
		ExcludeColumn("id", "created_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return nil, mapConstraintError(err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return a.CreateTx(ctx, tx, record)
	}

	return record, nil
}

func (a *users) Create(ctx context.Context, record *User, criteria ...repository.InsertCriteria) (*User, error) {
	return a.CreateTx(ctx, a.db, record, criteria...)
}

// CreateTx inserts record with its defaults filled in. The refresh token,
// when set, is written by the same statement.
func (a *users) CreateTx(ctx context.Context, tx bun.IDB, record *User, criteria ...repository.InsertCriteria) (*User, error) {
	prepareUserDefaults(record)
	created, err := a.Repository.CreateTx(ctx, tx, record, criteria...)
	if err != nil {
		return nil, mapConstraintError(err)
	}
	return created, nil
}

func (a *users) SetRefreshToken(ctx context.Context, username, token string) error {
	return a.SetRefreshTokenTx(ctx, a.db, username, token)
}

func (a *users) SetRefreshTokenTx(ctx context.Context, tx bun.IDB, username, token string) error {
	res, err := tx.NewUpdate().
		Model((*User)(nil)).
		Set("refresh_token = ?", nullable(token)).
		Set("updated_at = ?", time.Now()).
		Where("username = ?", username).
		Exec(ctx)
	if err != nil {
		return err
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return ErrIdentityNotFound
	}
	return nil
}

// RotateRefreshToken replaces current with next in a single conditional
// update. Only one caller presenting the same current token can win.
func (a *users) RotateRefreshToken(ctx context.Context, current, next string) (*User, error) {
	var user *User
	err := a.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		user, err = a.RotateRefreshTokenTx(ctx, tx, current, next)
		return err
	})
	return user, err
}

func (a *users) RotateRefreshTokenTx(ctx context.Context, tx bun.IDB, current, next string) (*User, error) {
	if current == "" || next == "" {
		return nil, ErrRefreshTokenNotFound
	}

	res, err := tx.NewUpdate().
		Model((*User)(nil)).
		Set("refresh_token = ?", next).
		Set("updated_at = ?", time.Now()).
		Where("refresh_token = ?", current).
		Exec(ctx)
	if err != nil {
		return nil, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrRefreshTokenNotFound
	}

	return a.FindByRefreshTokenTx(ctx, tx, next)
}

func nullable(token string) any {
	if token == "" {
		return nil
	}
	return token
}

func mapConstraintError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unique") && strings.Contains(msg, "username") {
		return ErrUsernameTaken
	}
	if strings.Contains(msg, "duplicate key") && strings.Contains(msg, "username") {
		return ErrUsernameTaken
	}
	return err
}
