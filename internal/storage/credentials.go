package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

const credentialColumns = `user_id, auth_token, context_token, halo_user_id, next_refresh_at, disconnected_at, updated_at`

// SubscribeCredentials registers fn to be called after every credential
// upsert or delete. fn runs synchronously on the writer's goroutine.
func (s *Store) SubscribeCredentials(fn func(CredentialChange)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Store) notifyCredential(change CredentialChange) {
	s.subMu.RLock()
	subs := make([]func(CredentialChange), len(s.subscribers))
	copy(subs, s.subscribers)
	s.subMu.RUnlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("credential subscriber panicked", "user_id", change.UserID, "panic", r)
				}
			}()
			fn(change)
		}()
	}
}

// PutCredential upserts a user's token pair and refresh deadline. Any
// disconnection record is cleared. The halo user id is preserved unless c
// carries a new one.
func (s *Store) PutCredential(ctx context.Context, c Credential) error {
	now := time.Now()
	var next any
	if !c.NextRefreshAt.IsZero() {
		next = formatTime(c.NextRefreshAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (user_id, auth_token, context_token, halo_user_id, next_refresh_at, disconnected_at, updated_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			auth_token = excluded.auth_token,
			context_token = excluded.context_token,
			halo_user_id = CASE WHEN excluded.halo_user_id = '' THEN credentials.halo_user_id ELSE excluded.halo_user_id END,
			next_refresh_at = excluded.next_refresh_at,
			disconnected_at = NULL,
			updated_at = excluded.updated_at`,
		c.UserID, c.Auth, c.Context, c.HaloUserID, next, formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("writing credential for %s: %w", c.UserID, err)
	}

	stored, err := s.GetCredential(ctx, c.UserID)
	if err != nil {
		return fmt.Errorf("reading back credential for %s: %w", c.UserID, err)
	}
	s.notifyCredential(CredentialChange{UserID: c.UserID, Credential: &stored})
	return nil
}

// UpdateTokens replaces the tokens of an existing credential and notifies
// subscribers. Unlike PutCredential it never creates a row: it returns
// ErrNotFound when userID has no credential.
func (s *Store) UpdateTokens(ctx context.Context, userID, auth, contextToken string, nextRefresh time.Time) error {
	var next any
	if !nextRefresh.IsZero() {
		next = formatTime(nextRefresh)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET
			auth_token = ?,
			context_token = ?,
			next_refresh_at = ?,
			disconnected_at = NULL,
			updated_at = ?
		WHERE user_id = ?`,
		auth, contextToken, next, formatTime(time.Now()), userID,
	)
	if err != nil {
		return fmt.Errorf("updating tokens for %s: %w", userID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("updating tokens for %s: %w", userID, err)
	} else if n == 0 {
		return ErrNotFound
	}

	stored, err := s.GetCredential(ctx, userID)
	if err != nil {
		return fmt.Errorf("reading back credential for %s: %w", userID, err)
	}
	s.notifyCredential(CredentialChange{UserID: userID, Credential: &stored})
	return nil
}

// GetCredential returns the stored credential for userID or ErrNotFound.
func (s *Store) GetCredential(ctx context.Context, userID string) (Credential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE user_id = ?`, userID)
	c, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return Credential{}, ErrNotFound
	}
	return c, err
}

// ListCredentials returns every stored credential ordered by user id.
func (s *Store) ListCredentials(ctx context.Context) ([]Credential, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+credentialColumns+` FROM credentials ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCredential removes a user's credential and notifies subscribers.
func (s *Store) DeleteCredential(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("deleting credential for %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	s.notifyCredential(CredentialChange{UserID: userID})
	return nil
}

// MarkDisconnected records that a user's credential can no longer be
// refreshed. Subscribers are not notified.
func (s *Store) MarkDisconnected(ctx context.Context, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET disconnected_at = ?, next_refresh_at = NULL, updated_at = ? WHERE user_id = ?`,
		formatTime(at), formatTime(time.Now()), userID,
	)
	if err != nil {
		return fmt.Errorf("marking %s disconnected: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetHaloUserID records the upstream account id for a user.
// Subscribers are not notified.
func (s *Store) SetHaloUserID(ctx context.Context, userID, haloUserID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE credentials SET halo_user_id = ? WHERE user_id = ?`, haloUserID, userID)
	if err != nil {
		return fmt.Errorf("setting halo user id for %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// HaloUserID returns the recorded upstream account id, which may be empty.
func (s *Store) HaloUserID(ctx context.Context, userID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT halo_user_id FROM credentials WHERE user_id = ?`, userID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(r rowScanner) (Credential, error) {
	var c Credential
	var next, disconnected sql.NullString
	var updatedAt string
	if err := r.Scan(&c.UserID, &c.Auth, &c.Context, &c.HaloUserID, &next, &disconnected, &updatedAt); err != nil {
		return Credential{}, err
	}
	var err error
	if next.Valid && next.String != "" {
		if c.NextRefreshAt, err = parseTime("next_refresh_at", next.String); err != nil {
			return Credential{}, err
		}
	}
	if disconnected.Valid && disconnected.String != "" {
		t, err := parseTime("disconnected_at", disconnected.String)
		if err != nil {
			return Credential{}, err
		}
		c.DisconnectedAt = &t
	}
	if c.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Credential{}, err
	}
	return c, nil
}
