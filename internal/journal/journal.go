// Package journal records relay runs and their inferences in sqlite.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/vision.relay/internal/perception"
	"github.com/banshee-data/vision.relay/internal/timeutil"
)

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
}

// Journal is an append-only log of inferences for one relay process.
type Journal struct {
	db    *sql.DB
	path  string
	log   zerolog.Logger
	clock timeutil.Clock
	runID uuid.UUID
}

// Option customises a Journal.
type Option func(*Journal)

// WithClock sets the clock used for run start and end times.
func WithClock(c timeutil.Clock) Option { return func(j *Journal) { j.clock = c } }

// WithLogger sets the journal logger.
func WithLogger(log zerolog.Logger) Option { return func(j *Journal) { j.log = log } }

// Open opens or creates the database at path and migrates it.
func Open(path string, opts ...Option) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	// A single connection keeps in-memory databases shared across queries.
	db.SetMaxOpenConns(1)

	j := &Journal{db: db, path: path, log: zerolog.Nop(), clock: timeutil.RealClock{}}
	for _, opt := range opts {
		opt(j)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if err := j.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// Run describes the relay process being journaled.
type Run struct {
	Source   string
	Device   string
	Interval time.Duration
}

// Begin starts a new run and returns its ID. Events observed afterwards are
// attributed to it.
func (j *Journal) Begin(ctx context.Context, r Run) (uuid.UUID, error) {
	id := uuid.New()
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_at, source, device, interval_ms) VALUES (?, ?, ?, ?, ?)`,
		id.String(), unixSeconds(j.clock.Now()), r.Source, r.Device, r.Interval.Milliseconds(),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin run: %w", err)
	}
	j.runID = id
	j.log.Info().Str("run_id", id.String()).Str("path", j.path).Msg("journal run started")
	return id, nil
}

// RunID returns the current run, or uuid.Nil before Begin.
func (j *Journal) RunID() uuid.UUID { return j.runID }

// End stamps the current run's end time.
func (j *Journal) End(ctx context.Context) error {
	if j.runID == uuid.Nil {
		return nil
	}
	_, err := j.db.ExecContext(ctx, `UPDATE runs SET ended_at = ? WHERE run_id = ?`,
		unixSeconds(j.clock.Now()), j.runID.String())
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	return nil
}

// Record stores one inference under the current run.
func (j *Journal) Record(ctx context.Context, ev perception.Event) error {
	if j.runID == uuid.Nil {
		return fmt.Errorf("record inference: no run started")
	}
	var errText string
	if ev.Err != nil {
		errText = ev.Err.Error()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO inferences (
			run_id, frame, at, label, kind, confidence, command, latency_ms, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.runID.String(), ev.Frame, unixSeconds(ev.At), ev.Label.String(), ev.Label.Kind.String(),
		ev.Confidence, ev.Command.String(), float64(ev.Latency)/float64(time.Millisecond), errText,
	)
	if err != nil {
		return fmt.Errorf("record inference: %w", err)
	}
	return nil
}

// Observe implements perception.Observer. Failures are logged, never
// propagated into the loop.
func (j *Journal) Observe(ev perception.Event) {
	if err := j.Record(context.Background(), ev); err != nil {
		j.log.Warn().Err(err).Uint64("frame", ev.Frame).Msg("journal write failed")
	}
}

// Entry is a stored inference.
type Entry struct {
	RunID      string    `json:"run_id"`
	Frame      uint64    `json:"frame"`
	At         time.Time `json:"at"`
	Label      string    `json:"label"`
	Kind       string    `json:"kind"`
	Confidence float64   `json:"confidence"`
	Command    string    `json:"command"`
	LatencyMS  float64   `json:"latency_ms"`
	Error      string    `json:"error,omitempty"`
}

// Recent returns up to limit inferences of the current run, oldest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, frame, at, label, kind, confidence, command, latency_ms, error
		FROM (
			SELECT * FROM inferences WHERE run_id = ? ORDER BY inference_id DESC LIMIT ?
		) ORDER BY inference_id ASC`,
		j.runID.String(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var at float64
		if err := rows.Scan(&e.RunID, &e.Frame, &at, &e.Label, &e.Kind, &e.Confidence, &e.Command, &e.LatencyMS, &e.Error); err != nil {
			return nil, err
		}
		e.At = fromUnixSeconds(at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LabelCount is the number of inferences for one label.
type LabelCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// Summary counts the current run's inferences by label, most frequent first.
func (j *Journal) Summary(ctx context.Context) ([]LabelCount, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT label, COUNT(*) AS n FROM inferences
		WHERE run_id = ? AND error = ''
		GROUP BY label ORDER BY n DESC, label ASC`,
		j.runID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LabelCount
	for rows.Next() {
		var c LabelCount
		if err := rows.Scan(&c.Label, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close releases the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*1e9)).UTC()
}
