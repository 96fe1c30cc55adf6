package storage

import (
	"context"
	"fmt"
	"time"
)

// LoadSnapshots returns every stored snapshot of the given kind.
func (s *Store) LoadSnapshots(ctx context.Context, kind string) ([]SnapshotRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, items_json, updated_at FROM snapshots WHERE kind = ? ORDER BY key`, kind)
	if err != nil {
		return nil, fmt.Errorf("querying %s snapshots: %w", kind, err)
	}
	defer rows.Close()

	var out []SnapshotRecord
	for rows.Next() {
		rec := SnapshotRecord{Kind: kind}
		var items, updatedAt string
		if err := rows.Scan(&rec.Key, &items, &updatedAt); err != nil {
			return nil, err
		}
		rec.ItemsJSON = []byte(items)
		if rec.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PutSnapshot replaces the stored snapshot for (kind, key).
func (s *Store) PutSnapshot(ctx context.Context, kind, key string, itemsJSON []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (kind, key, items_json, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, key) DO UPDATE SET items_json = excluded.items_json, updated_at = excluded.updated_at`,
		kind, key, string(itemsJSON), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("writing snapshot %s/%s: %w", kind, key, err)
	}
	return nil
}

// DeleteSnapshot removes the stored snapshot for (kind, key). Deleting a
// missing snapshot is not an error.
func (s *Store) DeleteSnapshot(ctx context.Context, kind, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE kind = ? AND key = ?`, kind, key); err != nil {
		return fmt.Errorf("deleting snapshot %s/%s: %w", kind, key, err)
	}
	return nil
}

// SnapshotCounts returns the number of stored snapshots per kind.
func (s *Store) SnapshotCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM snapshots GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}
