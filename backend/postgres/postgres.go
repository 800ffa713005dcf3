package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/cadre-io/cadre/backend"
)

// Options configures the remote backend.
type Options struct {
	// DSN is the Postgres connection string (postgres://... or key=value form).
	DSN string
	// ProbeTimeout bounds the initial connection probe. Defaults to 5s.
	ProbeTimeout time.Duration
}

// Backend is the Postgres-backed implementation of backend.Backend.
type Backend struct {
	db *gorm.DB
}

// Open connects, probes, and migrates the coordination tables. A failed probe
// returns an error wrapping backend.ErrUnavailable so the caller can decide
// to fall back.
func Open(opts Options) (*Backend, error) {
	if opts.DSN == "" {
		return nil, errors.New("postgres: DSN is required")
	}
	db, err := gorm.Open(postgres.Open(opts.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, unavailable(fmt.Errorf("open: %w", err))
	}

	timeout := opts.ProbeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sqlDB, err := db.DB()
	if err != nil {
		return nil, unavailable(err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, unavailable(fmt.Errorf("probe: %w", err))
	}
	if err := db.WithContext(ctx).AutoMigrate(&envelopeRow{}, &recordRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, unavailable(fmt.Errorf("migrate: %w", err))
	}
	return &Backend{db: db}, nil
}

// Close releases the connection pool.
func (b *Backend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping reports database reachability.
func (b *Backend) Ping(ctx context.Context) error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return unavailable(err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Enqueue inserts a ready row.
func (b *Backend) Enqueue(ctx context.Context, env *backend.Envelope) error {
	row, err := rowFromEnvelope(env)
	if err != nil {
		return fmt.Errorf("postgres: encode envelope: %w", err)
	}
	row.Leased = false
	row.VisibleAtMs = 0
	if err := b.db.WithContext(ctx).Create(row).Error; err != nil {
		return unavailable(err)
	}
	return nil
}

// Dequeue claims the best ready row with SKIP LOCKED so concurrent consumers
// across processes never receive the same envelope.
func (b *Backend) Dequeue(ctx context.Context, queue string, visibilityMs, nowMs int64) (*backend.Envelope, bool, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	var claimed *envelopeRow
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row envelopeRow
		res := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("queue = ? AND leased = ?", queue, false).
			Order("priority, id").
			Limit(1).
			Find(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		updates := map[string]any{
			"leased":        true,
			"visible_at_ms": nowMs + visibilityMs,
			"deliveries":    gorm.Expr("deliveries + 1"),
		}
		if err := tx.Model(&envelopeRow{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
			return err
		}
		row.Leased = true
		row.VisibleAtMs = nowMs + visibilityMs
		row.Deliveries++
		claimed = &row
		return nil
	})
	if err != nil {
		return nil, false, unavailable(err)
	}
	if claimed == nil {
		return nil, false, nil
	}
	env, err := claimed.toEnvelope()
	if err != nil {
		return nil, false, fmt.Errorf("postgres: decode envelope: %w", err)
	}
	return env, true, nil
}

// Ack deletes a pending row. The leased guard makes a requeued envelope
// indistinguishable from an unknown one, as the contract requires.
func (b *Backend) Ack(ctx context.Context, queue, id string) (bool, error) {
	res := b.db.WithContext(ctx).
		Where("queue = ? AND id = ? AND leased = ?", queue, id, true).
		Delete(&envelopeRow{})
	if res.Error != nil {
		return false, unavailable(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// RequeueStale flips expired leased rows back to ready in one statement.
func (b *Backend) RequeueStale(ctx context.Context, queue string, nowMs int64) (int, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	res := b.db.WithContext(ctx).Model(&envelopeRow{}).
		Where("queue = ? AND leased = ? AND visible_at_ms <= ?", queue, true, nowMs).
		Updates(map[string]any{"leased": false, "visible_at_ms": 0})
	if res.Error != nil {
		return 0, unavailable(res.Error)
	}
	return int(res.RowsAffected), nil
}

// QueueStats counts ready and pending rows for one queue.
func (b *Backend) QueueStats(ctx context.Context, queue string) (backend.QueueStats, error) {
	stats := backend.QueueStats{Queue: queue}
	var ready, pending int64
	if err := b.db.WithContext(ctx).Model(&envelopeRow{}).
		Where("queue = ? AND leased = ?", queue, false).Count(&ready).Error; err != nil {
		return stats, unavailable(err)
	}
	if err := b.db.WithContext(ctx).Model(&envelopeRow{}).
		Where("queue = ? AND leased = ?", queue, true).Count(&pending).Error; err != nil {
		return stats, unavailable(err)
	}
	stats.Ready = int(ready)
	stats.Pending = int(pending)
	return stats, nil
}

// Get returns the record at key.
func (b *Backend) Get(ctx context.Context, key string) (*backend.Record, bool, error) {
	var row recordRow
	err := b.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, unavailable(err)
	}
	return row.toRecord(), true, nil
}

// Put upserts unconditionally, resetting the version to 1.
func (b *Backend) Put(ctx context.Context, key string, value json.RawMessage) (*backend.Record, error) {
	row := recordRow{Key: key, Value: []byte(value), Version: 1, UpdatedAtMs: time.Now().UnixMilli()}
	err := b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.Assignments(map[string]any{
			"value":         row.Value,
			"version":       row.Version,
			"updated_at_ms": row.UpdatedAtMs,
		}),
	}).Create(&row).Error
	if err != nil {
		return nil, unavailable(err)
	}
	return row.toRecord(), nil
}

// Update performs the compare-and-set: a guarded UPDATE for existing records,
// a plain INSERT for expect == 0 where a duplicate key means a lost race.
func (b *Backend) Update(ctx context.Context, key string, value json.RawMessage, expect uint64) (*backend.Record, error) {
	row := recordRow{Key: key, Value: []byte(value), Version: expect + 1, UpdatedAtMs: time.Now().UnixMilli()}
	if expect == 0 {
		if err := b.db.WithContext(ctx).Create(&row).Error; err != nil {
			if isUniqueViolation(err) {
				return nil, backend.ErrVersionConflict
			}
			return nil, unavailable(err)
		}
		return row.toRecord(), nil
	}
	res := b.db.WithContext(ctx).Model(&recordRow{}).
		Where("key = ? AND version = ?", key, expect).
		Updates(map[string]any{
			"value":         row.Value,
			"version":       row.Version,
			"updated_at_ms": row.UpdatedAtMs,
		})
	if res.Error != nil {
		return nil, unavailable(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, backend.ErrVersionConflict
	}
	return row.toRecord(), nil
}

// Delete removes key unconditionally.
func (b *Backend) Delete(ctx context.Context, key string) (bool, error) {
	res := b.db.WithContext(ctx).Where("key = ?", key).Delete(&recordRow{})
	if res.Error != nil {
		return false, unavailable(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// DeleteVersion removes key only at the expected version.
func (b *Backend) DeleteVersion(ctx context.Context, key string, expect uint64) (bool, error) {
	res := b.db.WithContext(ctx).Where("key = ? AND version = ?", key, expect).Delete(&recordRow{})
	if res.Error != nil {
		return false, unavailable(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Scan returns all records under prefix, ordered by key.
func (b *Backend) Scan(ctx context.Context, prefix string) ([]*backend.Record, error) {
	var rows []recordRow
	pattern := escapeLike(prefix) + "%"
	err := b.db.WithContext(ctx).
		Where("key LIKE ?", pattern).
		Order("key").
		Find(&rows).Error
	if err != nil {
		return nil, unavailable(err)
	}
	out := make([]*backend.Record, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toRecord())
	}
	return out, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
