// Package journal persists emitted events and support level registrations
// over database/sql. SQLite is the default driver; Postgres is selected with
// Driver "postgres".
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"optionwatch/internal/metrics"
	"optionwatch/internal/model"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"

	defaultListLimit = 100
)

// Config configures the journal.
type Config struct {
	Driver string // "sqlite3" (default) or "postgres"
	DSN    string // file path for SQLite, connection URL for Postgres
}

// Journal is a model.EventStore backed by SQL.
type Journal struct {
	db      *sql.DB
	driver  string
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// Open connects to the database and creates the schema if needed.
func Open(cfg Config, log zerolog.Logger, m *metrics.Metrics) (*Journal, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	var dsn string
	switch driver {
	case DriverSQLite:
		dsn = cfg.DSN + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	case DriverPostgres:
		dsn = cfg.DSN
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("journal open: %w", err)
	}
	if driver == DriverSQLite {
		// single writer
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	j := &Journal{
		db:      db,
		driver:  driver,
		log:     log.With().Str("component", "journal").Logger(),
		metrics: m,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := j.createSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}

	j.log.Info().Str("driver", driver).Msg("journal opened")
	return j, nil
}

// DB returns the underlying sql.DB for health checks.
func (j *Journal) DB() *sql.DB { return j.db }

func (j *Journal) createSchema(ctx context.Context) error {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	float := "REAL"
	if j.driver == DriverPostgres {
		id = "BIGSERIAL PRIMARY KEY"
		float = "DOUBLE PRECISION"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id          ` + id + `,
			kind        TEXT   NOT NULL,
			instrument  TEXT   NOT NULL,
			ts          BIGINT NOT NULL,
			data        TEXT   NOT NULL,
			created_at  BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_instrument_ts ON events (instrument, ts)`,
		`CREATE TABLE IF NOT EXISTS support_levels (
			id                    ` + id + `,
			instrument            TEXT    NOT NULL,
			price                 ` + float + ` NOT NULL,
			tolerance_pct         ` + float + ` NOT NULL,
			min_touches           INTEGER NOT NULL,
			consolidation_periods INTEGER NOT NULL,
			created_at            BIGINT  NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := j.db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (j *Journal) rebind(q string) string {
	if j.driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// SaveEvent appends one event.
func (j *Journal) SaveEvent(ctx context.Context, ev model.Event) error {
	start := time.Now()
	env := model.Wrap(ev)
	_, err := j.db.ExecContext(ctx,
		j.rebind(`INSERT INTO events (kind, instrument, ts, data, created_at) VALUES (?, ?, ?, ?, ?)`),
		string(env.Kind), env.Instrument, env.Time.UnixMilli(), string(env.Data), time.Now().UnixMilli())
	j.metrics.ObserveJournal(start)
	if err != nil {
		return fmt.Errorf("journal save event: %w", err)
	}
	return nil
}

// SaveSupportLevel records one support level registration.
func (j *Journal) SaveSupportLevel(ctx context.Context, instrument string, lvl model.SupportLevel) error {
	_, err := j.db.ExecContext(ctx,
		j.rebind(`INSERT INTO support_levels (instrument, price, tolerance_pct, min_touches, consolidation_periods, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
		instrument, lvl.Price, lvl.TolerancePct, lvl.MinTouches, lvl.ConsolidationPeriods, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("journal save support level: %w", err)
	}
	return nil
}

// SupportLevels returns the registered levels of an instrument in
// registration order.
func (j *Journal) SupportLevels(ctx context.Context, instrument string) ([]model.SupportLevel, error) {
	rows, err := j.db.QueryContext(ctx,
		j.rebind(`SELECT price, tolerance_pct, min_touches, consolidation_periods
			FROM support_levels WHERE instrument = ? ORDER BY id`), instrument)
	if err != nil {
		return nil, fmt.Errorf("journal query support levels: %w", err)
	}
	defer rows.Close()

	var out []model.SupportLevel
	for rows.Next() {
		l := model.SupportLevel{Active: true}
		if err := rows.Scan(&l.Price, &l.TolerancePct, &l.MinTouches, &l.ConsolidationPeriods); err != nil {
			return nil, fmt.Errorf("journal scan support level: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListEvents returns up to limit envelopes, newest first. An empty instrument
// lists every instrument.
func (j *Journal) ListEvents(ctx context.Context, instrument string, limit int) ([]model.Envelope, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	q := `SELECT kind, instrument, ts, data FROM events`
	args := []any{}
	if instrument != "" {
		q += ` WHERE instrument = ?`
		args = append(args, instrument)
	}
	q += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, j.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("journal query events: %w", err)
	}
	defer rows.Close()

	var out []model.Envelope
	for rows.Next() {
		var (
			env  model.Envelope
			kind string
			ts   int64
			data string
		)
		if err := rows.Scan(&kind, &env.Instrument, &ts, &data); err != nil {
			return nil, fmt.Errorf("journal scan event: %w", err)
		}
		env.Kind = model.EventKind(kind)
		env.Time = time.UnixMilli(ts).UTC()
		env.Data = []byte(data)
		out = append(out, env)
	}
	return out, rows.Err()
}

// Run persists events from ch until ctx is cancelled or ch is closed.
func (j *Journal) Run(ctx context.Context, ch <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := j.SaveEvent(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
				j.log.Error().Err(err).Str("kind", string(ev.Kind())).Str("instrument", ev.Source()).
					Msg("event not journaled")
			}
		}
	}
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

var _ model.EventStore = (*Journal)(nil)
