package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/parcelsat/parcelsat/pkg/pipeline"
	"github.com/parcelsat/parcelsat/pkg/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements pipeline.RunStore using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Foreign keys are a connection-level setting.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID, or (nil, nil) when absent.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*pipeline.ProcessingRun, error) {
	query := `
		SELECT id, routing_key, source_ref, project, occurred_at, status,
		       feature_count, succeeded_count, no_coverage_count, failed_count,
		       boundary_ref, error, started_at, completed_at
		FROM runs
		WHERE id = ?
	`

	run := &pipeline.ProcessingRun{}
	var boundaryRef, errJSON sql.NullString
	var completedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, query, runID).Scan(
		&run.ID,
		&run.Trigger.RoutingKey,
		&run.Trigger.SourceRef,
		&run.Trigger.Project,
		&run.Trigger.OccurredAt,
		&run.Status,
		&run.FeatureCount,
		&run.SucceededCount,
		&run.NoCoverageCount,
		&run.FailedCount,
		&boundaryRef,
		&errJSON,
		&run.StartedAt,
		&completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	if boundaryRef.Valid {
		run.BoundaryRef = &storage.ArtifactRef{}
		if err := json.Unmarshal([]byte(boundaryRef.String), run.BoundaryRef); err != nil {
			return nil, fmt.Errorf("failed to decode boundary ref: %w", err)
		}
	}
	if errJSON.Valid {
		run.Error = &pipeline.Error{}
		if err := json.Unmarshal([]byte(errJSON.String), run.Error); err != nil {
			return nil, fmt.Errorf("failed to decode run error: %w", err)
		}
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return run, nil
}

// SaveRun inserts or replaces a run record.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *pipeline.ProcessingRun) error {
	boundaryRef, err := marshalNullable(run.BoundaryRef)
	if err != nil {
		return fmt.Errorf("failed to encode boundary ref: %w", err)
	}
	errJSON, err := marshalNullable(run.Error)
	if err != nil {
		return fmt.Errorf("failed to encode run error: %w", err)
	}

	query := `
		INSERT INTO runs (id, routing_key, source_ref, project, occurred_at, status,
		                  feature_count, succeeded_count, no_coverage_count, failed_count,
		                  boundary_ref, error, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			feature_count = excluded.feature_count,
			succeeded_count = excluded.succeeded_count,
			no_coverage_count = excluded.no_coverage_count,
			failed_count = excluded.failed_count,
			boundary_ref = excluded.boundary_ref,
			error = excluded.error,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`

	var completedAt any
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}

	_, err = s.db.ExecContext(ctx, query,
		run.ID,
		run.Trigger.RoutingKey,
		run.Trigger.SourceRef,
		run.Trigger.Project,
		run.Trigger.OccurredAt,
		run.Status,
		run.FeatureCount,
		run.SucceededCount,
		run.NoCoverageCount,
		run.FailedCount,
		boundaryRef,
		errJSON,
		run.StartedAt,
		completedAt,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// SaveOutcome inserts or replaces a feature outcome.
func (s *SQLiteStore) SaveOutcome(ctx context.Context, outcome pipeline.FeatureOutcome) error {
	imageryRef, err := marshalNullable(outcome.ImageryRef)
	if err != nil {
		return fmt.Errorf("failed to encode imagery ref: %w", err)
	}
	metadataRef, err := marshalNullable(outcome.MetadataRef)
	if err != nil {
		return fmt.Errorf("failed to encode metadata ref: %w", err)
	}
	errJSON, err := marshalNullable(outcome.Error)
	if err != nil {
		return fmt.Errorf("failed to encode outcome error: %w", err)
	}

	query := `
		INSERT INTO feature_outcomes (run_id, ordinal, feature_name, status,
		                              scene_id, imagery_ref, metadata_ref, error, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, ordinal) DO UPDATE SET
			feature_name = excluded.feature_name,
			status = excluded.status,
			scene_id = excluded.scene_id,
			imagery_ref = excluded.imagery_ref,
			metadata_ref = excluded.metadata_ref,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	_, err = s.db.ExecContext(ctx, query,
		outcome.RunID,
		outcome.Ordinal,
		outcome.FeatureName,
		outcome.Status,
		nullString(outcome.SceneID),
		imageryRef,
		metadataRef,
		errJSON,
		outcome.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save outcome: %w", err)
	}
	return nil
}

// ListOutcomes returns the outcomes recorded for a run, in ordinal order.
func (s *SQLiteStore) ListOutcomes(ctx context.Context, runID string) ([]pipeline.FeatureOutcome, error) {
	query := `
		SELECT run_id, ordinal, feature_name, status, scene_id,
		       imagery_ref, metadata_ref, error, completed_at
		FROM feature_outcomes
		WHERE run_id = ?
		ORDER BY ordinal
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []pipeline.FeatureOutcome
	for rows.Next() {
		var o pipeline.FeatureOutcome
		var sceneID, imageryRef, metadataRef, errJSON sql.NullString
		if err := rows.Scan(
			&o.RunID, &o.Ordinal, &o.FeatureName, &o.Status,
			&sceneID, &imageryRef, &metadataRef, &errJSON, &o.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}

		o.SceneID = sceneID.String
		if imageryRef.Valid {
			o.ImageryRef = &storage.ArtifactRef{}
			if err := json.Unmarshal([]byte(imageryRef.String), o.ImageryRef); err != nil {
				return nil, fmt.Errorf("failed to decode imagery ref: %w", err)
			}
		}
		if metadataRef.Valid {
			o.MetadataRef = &storage.ArtifactRef{}
			if err := json.Unmarshal([]byte(metadataRef.String), o.MetadataRef); err != nil {
				return nil, fmt.Errorf("failed to decode metadata ref: %w", err)
			}
		}
		if errJSON.Valid {
			o.Error = &pipeline.Error{}
			if err := json.Unmarshal([]byte(errJSON.String), o.Error); err != nil {
				return nil, fmt.Errorf("failed to decode outcome error: %w", err)
			}
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// SavePollState inserts or replaces a polling cursor.
func (s *SQLiteStore) SavePollState(ctx context.Context, state pipeline.PollState) error {
	query := `
		INSERT INTO poll_states (run_id, order_id, phase, attempts, deadline, last_checked_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, order_id) DO UPDATE SET
			phase = excluded.phase,
			attempts = excluded.attempts,
			deadline = excluded.deadline,
			last_checked_at = excluded.last_checked_at
	`

	var lastChecked any
	if !state.LastCheckedAt.IsZero() {
		lastChecked = state.LastCheckedAt
	}

	_, err := s.db.ExecContext(ctx, query,
		state.RunID, state.OrderID, state.Phase, state.Attempts, state.Deadline, lastChecked)
	if err != nil {
		return fmt.Errorf("failed to save poll state: %w", err)
	}
	return nil
}

// GetPollState retrieves the polling cursor for an order, or (nil, nil).
func (s *SQLiteStore) GetPollState(ctx context.Context, runID, orderID string) (*pipeline.PollState, error) {
	query := `
		SELECT run_id, order_id, phase, attempts, deadline, last_checked_at
		FROM poll_states
		WHERE run_id = ? AND order_id = ?
	`

	state := &pipeline.PollState{}
	var lastChecked sql.NullTime
	err := s.db.QueryRowContext(ctx, query, runID, orderID).Scan(
		&state.RunID, &state.OrderID, &state.Phase, &state.Attempts, &state.Deadline, &lastChecked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get poll state: %w", err)
	}
	if lastChecked.Valid {
		state.LastCheckedAt = lastChecked.Time
	}
	return state, nil
}

// SaveDeadLetter appends a dead letter record.
func (s *SQLiteStore) SaveDeadLetter(ctx context.Context, letter pipeline.DeadLetter) error {
	errJSON, err := marshalNullable(letter.Error)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter error: %w", err)
	}

	query := `
		INSERT INTO dead_letters (run_id, feature_name, stage, error, payload, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		letter.RunID, letter.FeatureName, letter.Stage, errJSON, letter.Payload, letter.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns the dead letters recorded for a run.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context, runID string) ([]pipeline.DeadLetter, error) {
	query := `
		SELECT run_id, feature_name, stage, error, payload, recorded_at
		FROM dead_letters
		WHERE run_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []pipeline.DeadLetter
	for rows.Next() {
		var l pipeline.DeadLetter
		var errJSON sql.NullString
		if err := rows.Scan(&l.RunID, &l.FeatureName, &l.Stage, &errJSON, &l.Payload, &l.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		if errJSON.Valid {
			l.Error = &pipeline.Error{}
			if err := json.Unmarshal([]byte(errJSON.String), l.Error); err != nil {
				return nil, fmt.Errorf("failed to decode dead letter error: %w", err)
			}
		}
		letters = append(letters, l)
	}
	return letters, rows.Err()
}

// ListRuns lists runs newest-first with pagination.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*pipeline.ProcessingRun, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	runs := make([]*pipeline.ProcessingRun, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if run != nil {
			runs = append(runs, run)
		}
	}
	return runs, nil
}

func marshalNullable(v any) (any, error) {
	switch val := v.(type) {
	case *storage.ArtifactRef:
		if val == nil {
			return nil, nil
		}
	case *pipeline.Error:
		if val == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
