package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maine/trend_radar/internal/news"
)

// Схема совместима с SQLite и MySQL.
const snapshotSchema = `CREATE TABLE IF NOT EXISTS snapshots (
	platform_id VARCHAR(191) NOT NULL,
	run_ts      BIGINT       NOT NULL,
	run_id      VARCHAR(64)  NOT NULL DEFAULT '',
	item_ids    TEXT         NOT NULL,
	PRIMARY KEY (platform_id, run_ts)
)`

// SQLStore хранит снимки в таблице snapshots (SQLite через modernc.org/sqlite или MySQL).
type SQLStore struct {
	db     *sql.DB
	driver string
}

var _ Store = (*SQLStore)(nil)

// OpenSQL открывает базу и создаёт схему. driver, "sqlite" или "mysql".
// Драйверы регистрируются импортом в cmd.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	switch driver {
	case "sqlite":
		db.SetMaxOpenConns(1)
	case "mysql":
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}

	store, err := NewSQLStore(ctx, db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore оборачивает уже открытое соединение и применяет схему.
func NewSQLStore(ctx context.Context, db *sql.DB, driver string) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if driver == "sqlite" {
		for _, pragma := range []string{
			"PRAGMA busy_timeout = 10000",
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				return nil, fmt.Errorf("exec %q: %w", pragma, err)
			}
		}
	}
	if _, err := db.ExecContext(ctx, snapshotSchema); err != nil {
		return nil, fmt.Errorf("create snapshots table: %w", err)
	}
	return &SQLStore{db: db, driver: driver}, nil
}

// Close закрывает соединение.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Recent реализует Store.
func (s *SQLStore) Recent(ctx context.Context, platformID string, limit int) ([]news.Snapshot, error) {
	if limit == 0 {
		return nil, nil
	}
	query := `SELECT run_ts, run_id, item_ids FROM snapshots WHERE platform_id = ? ORDER BY run_ts DESC`
	args := []any{platformID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []news.Snapshot
	for rows.Next() {
		var (
			runTS int64
			runID string
			raw   string
		)
		if err := rows.Scan(&runTS, &runID, &raw); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		var ids []string
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			return nil, fmt.Errorf("decode item ids of run %d: %w", runTS, err)
		}
		out = append(out, news.Snapshot{
			RunID:        runID,
			RunTimestamp: time.Unix(0, runTS).UTC(),
			PlatformID:   platformID,
			ItemIDs:      ids,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

// Append реализует Store.
func (s *SQLStore) Append(ctx context.Context, snap news.Snapshot) error {
	ids := snap.ItemIDs
	if ids == nil {
		ids = []string{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal item ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (platform_id, run_ts, run_id, item_ids) VALUES (?, ?, ?, ?)`,
		snap.PlatformID, snap.RunTimestamp.UnixNano(), snap.RunID, string(raw),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%s at %s: %w", snap.PlatformID, snap.RunTimestamp, ErrSnapshotExists)
		}
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// Prune реализует Store.
func (s *SQLStore) Prune(ctx context.Context, platformID string, keep int) (int, error) {
	if keep < 1 {
		return 0, fmt.Errorf("prune: keep must be positive, got %d", keep)
	}

	var cutoff int64
	err := s.db.QueryRowContext(ctx,
		`SELECT run_ts FROM snapshots WHERE platform_id = ? ORDER BY run_ts DESC LIMIT 1 OFFSET ?`,
		platformID, keep-1,
	).Scan(&cutoff)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find prune cutoff: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE platform_id = ? AND run_ts < ?`, platformID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// Platforms реализует Store.
func (s *SQLStore) Platforms(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT platform_id FROM snapshots ORDER BY platform_id`)
	if err != nil {
		return nil, fmt.Errorf("query platforms: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan platform: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// isDuplicateKey распознаёт нарушение первичного ключа у обоих драйверов по тексту ошибки.
func isDuplicateKey(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "primary key")
}
