package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// --- Classes ---

// UpsertClass inserts or updates a class. Empty fields on an update keep
// their stored values.
func (s *Store) UpsertClass(ctx context.Context, c Class) error {
	stage := c.Stage
	if stage == "" {
		stage = StageCurrent
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO classes (id, slug_id, class_code, course_code, name, stage, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			slug_id = CASE WHEN excluded.slug_id = '' THEN classes.slug_id ELSE excluded.slug_id END,
			class_code = CASE WHEN excluded.class_code = '' THEN classes.class_code ELSE excluded.class_code END,
			course_code = CASE WHEN excluded.course_code = '' THEN classes.course_code ELSE excluded.course_code END,
			name = CASE WHEN excluded.name = '' THEN classes.name ELSE excluded.name END,
			stage = excluded.stage,
			updated_at = excluded.updated_at`,
		c.ID, c.SlugID, c.ClassCode, c.CourseCode, c.Name, stage, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upserting class %s: %w", c.ID, err)
	}
	return nil
}

func (s *Store) GetClass(ctx context.Context, id string) (Class, error) {
	var c Class
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, slug_id, class_code, course_code, name, stage, updated_at FROM classes WHERE id = ?`, id,
	).Scan(&c.ID, &c.SlugID, &c.ClassCode, &c.CourseCode, &c.Name, &c.Stage, &updatedAt)
	if err == sql.ErrNoRows {
		return Class{}, ErrNotFound
	}
	if err != nil {
		return Class{}, err
	}
	if c.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Class{}, err
	}
	return c, nil
}

func (s *Store) ListClasses(ctx context.Context) ([]Class, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, slug_id, class_code, course_code, name, stage, updated_at FROM classes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying classes: %w", err)
	}
	defer rows.Close()

	var out []Class
	for rows.Next() {
		var c Class
		var updatedAt string
		if err := rows.Scan(&c.ID, &c.SlugID, &c.ClassCode, &c.CourseCode, &c.Name, &c.Stage, &updatedAt); err != nil {
			return nil, err
		}
		if c.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Membership ---

// UpsertMember records a user's membership in a class. The grade
// notification preference is only set on insert.
func (s *Store) UpsertMember(ctx context.Context, m ClassMember) error {
	status := m.Status
	if status == "" {
		status = MemberActive
	}
	joined := m.JoinedAt
	if joined.IsZero() {
		joined = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO class_users (class_id, user_id, status, grade_notifications, joined_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(class_id, user_id) DO UPDATE SET status = excluded.status`,
		m.ClassID, m.UserID, status, boolInt(m.GradeNotifications), formatTime(joined),
	)
	if err != nil {
		return fmt.Errorf("upserting member %s in %s: %w", m.UserID, m.ClassID, err)
	}
	return nil
}

// SetGradeNotifications toggles grade polling for one membership.
func (s *Store) SetGradeNotifications(ctx context.Context, classID, userID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE class_users SET grade_notifications = ? WHERE class_id = ? AND user_id = ?`,
		boolInt(enabled), classID, userID,
	)
	if err != nil {
		return err
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

// Members returns all memberships of a class regardless of status.
func (s *Store) Members(ctx context.Context, classID string) ([]ClassMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT class_id, user_id, status, grade_notifications, joined_at
		FROM class_users WHERE class_id = ? ORDER BY joined_at, user_id`, classID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMembers(rows)
}

// ActiveClasses returns every class in an active stage that has at least
// one active member. Members are ordered by join time.
func (s *Store) ActiveClasses(ctx context.Context) ([]ActiveClass, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.slug_id, c.class_code, c.course_code, c.name, c.stage,
		       m.user_id, m.status, m.grade_notifications, m.joined_at
		FROM classes c
		JOIN class_users m ON m.class_id = c.id
		WHERE c.stage IN (?, ?) AND m.status = ?
		ORDER BY c.id, m.joined_at, m.user_id`,
		StagePreStart, StageCurrent, MemberActive,
	)
	if err != nil {
		return nil, fmt.Errorf("querying active classes: %w", err)
	}
	defer rows.Close()

	var out []ActiveClass
	for rows.Next() {
		var c Class
		var m ClassMember
		var notify int
		var joined string
		if err := rows.Scan(&c.ID, &c.SlugID, &c.ClassCode, &c.CourseCode, &c.Name, &c.Stage,
			&m.UserID, &m.Status, &notify, &joined); err != nil {
			return nil, err
		}
		m.ClassID = c.ID
		m.GradeNotifications = notify != 0
		var err error
		if m.JoinedAt, err = parseTime("joined_at", joined); err != nil {
			return nil, err
		}
		if n := len(out); n == 0 || out[n-1].ID != c.ID {
			out = append(out, ActiveClass{Class: c})
		}
		last := &out[len(out)-1]
		last.Members = append(last.Members, m)
	}
	return out, rows.Err()
}

// --- Inbox forums ---

func (s *Store) AddInboxForum(ctx context.Context, userID, forumID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inbox_forums (user_id, forum_id) VALUES (?, ?)
		ON CONFLICT(user_id, forum_id) DO NOTHING`, userID, forumID)
	if err != nil {
		return fmt.Errorf("adding inbox forum %s for %s: %w", forumID, userID, err)
	}
	return nil
}

// InboxForums returns every tracked (user, forum) pair.
func (s *Store) InboxForums(ctx context.Context) ([]InboxForum, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, forum_id FROM inbox_forums ORDER BY user_id, forum_id`)
	if err != nil {
		return nil, fmt.Errorf("querying inbox forums: %w", err)
	}
	defer rows.Close()

	var out []InboxForum
	for rows.Next() {
		var f InboxForum
		if err := rows.Scan(&f.UserID, &f.ForumID); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// RemoveUser deletes a user's memberships and inbox forums.
func (s *Store) RemoveUser(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning remove transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM class_users WHERE user_id = ?`, userID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM inbox_forums WHERE user_id = ?`, userID); err != nil {
		return err
	}
	return tx.Commit()
}

func scanMembers(rows *sql.Rows) ([]ClassMember, error) {
	var out []ClassMember
	for rows.Next() {
		var m ClassMember
		var notify int
		var joined string
		if err := rows.Scan(&m.ClassID, &m.UserID, &m.Status, &notify, &joined); err != nil {
			return nil, err
		}
		m.GradeNotifications = notify != 0
		var err error
		if m.JoinedAt, err = parseTime("joined_at", joined); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
