package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lherron/graphport/internal/domain"
)

const (
	ghostUsername = "ghost"
	ghostEmail    = "ghost@graphport.invalid"
)

const userColumns = `id, username, email, name, admin, ghost`

func scanUser(row *sql.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Name, &u.Admin, &u.Ghost); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser loads a user by id.
func GetUser(ctx context.Context, q Querier, id int64) (*domain.User, error) {
	u, err := scanUser(q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %d: %w", id, err)
	}
	return u, nil
}

// FindUser looks a user up by email first and username second. It returns
// nil when neither matches.
func FindUser(ctx context.Context, q Querier, email, username string) (*domain.User, error) {
	if email != "" {
		u, err := scanUser(q.QueryRowContext(ctx,
			`SELECT `+userColumns+` FROM users WHERE lower(email) = lower(?) AND ghost = 0`, email))
		if err == nil {
			return u, nil
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("failed to find user by email: %w", err)
		}
	}
	if username != "" {
		u, err := scanUser(q.QueryRowContext(ctx,
			`SELECT `+userColumns+` FROM users WHERE username = ? AND ghost = 0`, username))
		if err == nil {
			return u, nil
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("failed to find user by username: %w", err)
		}
	}
	return nil, nil
}

// FindUserByHandle resolves a CLI actor handle, which is either a numeric
// id or a username.
func FindUserByHandle(ctx context.Context, q Querier, handle string) (*domain.User, error) {
	u, err := scanUser(q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ? OR CAST(id AS TEXT) = ?`, handle, handle))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %q not found", handle)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user %q: %w", handle, err)
	}
	return u, nil
}

// CreateUser inserts a user and returns its id.
func CreateUser(ctx context.Context, q Querier, u *domain.User) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO users (username, email, name, admin, ghost) VALUES (?, ?, ?, ?, ?)
	`, u.Username, u.Email, u.Name, u.Admin, u.Ghost)
	if err != nil {
		return 0, fmt.Errorf("failed to create user %s: %w", u.Username, err)
	}
	return res.LastInsertId()
}

// GhostUser returns the placeholder identity, creating it on first use.
func GhostUser(ctx context.Context, q Querier) (*domain.User, error) {
	u, err := scanUser(q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE ghost = 1 LIMIT 1`))
	if err == nil {
		return u, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to load ghost user: %w", err)
	}

	ghost := &domain.User{Username: ghostUsername, Email: ghostEmail, Name: "Ghost User", Ghost: true}
	id, err := CreateUser(ctx, q, ghost)
	if err != nil {
		return nil, err
	}
	ghost.ID = id
	return ghost, nil
}

// MemberAccess returns the access level userID holds on the source, if any.
func MemberAccess(ctx context.Context, q Querier, sourceType string, sourceID, userID int64) (domain.AccessLevel, bool, error) {
	var level int
	err := q.QueryRowContext(ctx, `
		SELECT access_level FROM members WHERE source_type = ? AND source_id = ? AND user_id = ?
	`, sourceType, sourceID, userID).Scan(&level)
	if err == sql.ErrNoRows {
		return domain.NoAccess, false, nil
	}
	if err != nil {
		return domain.NoAccess, false, fmt.Errorf("failed to read membership: %w", err)
	}
	return domain.AccessLevel(level), true, nil
}

// AddMember grants access, keeping the higher level when a membership exists.
func AddMember(ctx context.Context, q Querier, m *domain.Member) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO members (source_type, source_id, user_id, access_level) VALUES (?, ?, ?, ?)
		ON CONFLICT (source_type, source_id, user_id)
		DO UPDATE SET access_level = MAX(access_level, excluded.access_level)
	`, m.SourceType, m.SourceID, m.UserID, int(m.AccessLevel))
	if err != nil {
		return fmt.Errorf("failed to add member %d: %w", m.UserID, err)
	}
	return nil
}

// ListMembers returns the memberships of a source ordered by id.
func ListMembers(ctx context.Context, q Querier, sourceType string, sourceID int64) ([]*domain.Member, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, source_type, source_id, user_id, access_level FROM members
		WHERE source_type = ? AND source_id = ? ORDER BY id
	`, sourceType, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []*domain.Member
	for rows.Next() {
		var (
			m     domain.Member
			level int
		)
		if err := rows.Scan(&m.ID, &m.SourceType, &m.SourceID, &m.UserID, &level); err != nil {
			return nil, err
		}
		m.AccessLevel = domain.AccessLevel(level)
		members = append(members, &m)
	}
	return members, rows.Err()
}
