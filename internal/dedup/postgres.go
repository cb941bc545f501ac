package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresTableName        = "cardmirror_webhook_deliveries"
	postgresOperationTimeout = 5 * time.Second
	postgresPruneInterval    = time.Minute
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Postgres stores delivery ids in a table keyed by id. Expired rows are
// overwritten on insert and pruned at most once per postgresPruneInterval.
type Postgres struct {
	dsn       string
	tableName string
	ttl       time.Duration
	openDB    sqlOpenFunc
	now       func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	pruneMu    sync.Mutex
	lastPruned time.Time
}

func NewPostgres(dsn string, ttl time.Duration) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Postgres{
		dsn:       dsn,
		tableName: postgresTableName,
		ttl:       ttl,
		openDB:    sql.Open,
		now:       time.Now,
	}, nil
}

func (p *Postgres) FirstSeen(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, ErrInvalidInput
	}
	if err := p.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	now := p.now().UTC()
	p.pruneExpired(ctx, now)

	query := fmt.Sprintf(`
		INSERT INTO %s (delivery_id, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (delivery_id)
		DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE %s.expires_at <= $3`, postgresQuoteIdentifier(p.tableName), postgresQuoteIdentifier(p.tableName))
	result, err := p.db.ExecContext(ctx, query, id, now.Add(p.ttl), now)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (p *Postgres) Forget(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidInput
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE delivery_id = $1", postgresQuoteIdentifier(p.tableName))
	_, err := p.db.ExecContext(ctx, query, id)
	return err
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) ensureReady() error {
	if p == nil {
		return ErrInvalidInput
	}
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				delivery_id TEXT PRIMARY KEY,
				expires_at TIMESTAMPTZ NOT NULL
			)`, postgresQuoteIdentifier(p.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			p.initErr = err
			return
		}
		p.db = db
	})
	return p.initErr
}

// pruneExpired is best effort; a failed delete is retried on a later call.
func (p *Postgres) pruneExpired(ctx context.Context, now time.Time) {
	p.pruneMu.Lock()
	if now.Sub(p.lastPruned) < postgresPruneInterval {
		p.pruneMu.Unlock()
		return
	}
	p.lastPruned = now
	p.pruneMu.Unlock()

	query := fmt.Sprintf("DELETE FROM %s WHERE expires_at <= $1", postgresQuoteIdentifier(p.tableName))
	if _, err := p.db.ExecContext(ctx, query, now); err != nil {
		p.pruneMu.Lock()
		p.lastPruned = time.Time{}
		p.pruneMu.Unlock()
	}
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
