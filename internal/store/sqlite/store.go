package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gridsignal/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	scenario TEXT NOT NULL,
	status TEXT NOT NULL,
	agents INTEGER NOT NULL DEFAULT 0,
	observation_dim INTEGER NOT NULL DEFAULT 0,
	episodes INTEGER NOT NULL DEFAULT 0,
	episodes_done INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS episodes (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	number INTEGER NOT NULL,
	steps INTEGER NOT NULL,
	reward REAL NOT NULL,
	avg_travel_time REAL NOT NULL DEFAULT 0,
	epsilon REAL NOT NULL,
	trained INTEGER NOT NULL DEFAULT 0,
	done INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	UNIQUE(run_id, number),
	FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_episodes_run ON episodes(run_id, number);

CREATE TABLE IF NOT EXISTS checkpoints (
	run_id TEXT NOT NULL,
	intersection_id TEXT NOT NULL,
	parameters BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY(run_id, intersection_id),
	FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS training_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	detail TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_training_log_run ON training_log(run_id, created_at);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) CreateRun(ctx context.Context, run domain.Run) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}
	if run.Status == "" {
		run.Status = domain.RunStatusRunning
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO runs(
			id, scenario, status, agents, observation_dim, episodes,
			episodes_done, last_error, created_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Scenario, string(run.Status), run.Agents, run.ObservationD,
		run.Episodes, run.EpisodesDone, run.LastError,
		run.CreatedAt.Unix(), run.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, scenario, status, agents, observation_dim, episodes,
			episodes_done, last_error, created_at, updated_at
		FROM runs WHERE id = ?`,
		runID,
	)
	run, err := scanRun(row)
	if err != nil {
		return domain.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, scenario, status, agents, observation_dim, episodes,
			episodes_done, last_error, created_at, updated_at
		FROM runs ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		result = append(result, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return result, nil
}

func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus, lastError string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, time.Now().UTC().Unix(), runID,
	)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}

func (s *Store) SetRunShape(ctx context.Context, runID string, agents, observationDim int) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET agents = ?, observation_dim = ?, updated_at = ? WHERE id = ?`,
		agents, observationDim, time.Now().UTC().Unix(), runID,
	)
	if err != nil {
		return fmt.Errorf("set run shape: %w", err)
	}
	return nil
}

func (s *Store) CreateEpisode(ctx context.Context, ep domain.Episode) error {
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx create episode: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO episodes(id, run_id, number, steps, reward, avg_travel_time, epsilon, trained, done, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.RunID, ep.Number, ep.Steps, ep.Reward, ep.AvgTravelTime,
		ep.Epsilon, boolToInt(ep.Trained), boolToInt(ep.Done), ep.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create episode: %w", err)
	}

	_, err = tx.ExecContext(
		ctx,
		`UPDATE runs SET episodes_done = episodes_done + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Unix(), ep.RunID,
	)
	if err != nil {
		return fmt.Errorf("advance run progress: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create episode: %w", err)
	}
	return nil
}

func (s *Store) ListEpisodes(ctx context.Context, runID string) ([]domain.Episode, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, run_id, number, steps, reward, avg_travel_time, epsilon, trained, done, created_at
		FROM episodes
		WHERE run_id = ?
		ORDER BY number ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Episode, 0)
	for rows.Next() {
		var ep domain.Episode
		var trained, done int
		var created int64
		if err := rows.Scan(
			&ep.ID, &ep.RunID, &ep.Number, &ep.Steps, &ep.Reward, &ep.AvgTravelTime,
			&ep.Epsilon, &trained, &done, &created,
		); err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		ep.Trained = trained != 0
		ep.Done = done != 0
		ep.CreatedAt = unixToTime(created)
		result = append(result, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate episodes: %w", err)
	}
	return result, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO checkpoints(run_id, intersection_id, parameters, created_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(run_id, intersection_id) DO UPDATE SET
			parameters = excluded.parameters,
			created_at = excluded.created_at`,
		cp.RunID, cp.IntersectionID, cp.Parameters, cp.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) GetCheckpoint(ctx context.Context, runID, intersectionID string) (domain.Checkpoint, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT run_id, intersection_id, parameters, created_at
		FROM checkpoints
		WHERE run_id = ? AND intersection_id = ?`,
		runID, intersectionID,
	)
	var cp domain.Checkpoint
	var created int64
	if err := row.Scan(&cp.RunID, &cp.IntersectionID, &cp.Parameters, &created); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	cp.CreatedAt = unixToTime(created)
	return cp, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, runID string) ([]domain.Checkpoint, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT run_id, intersection_id, parameters, created_at
		FROM checkpoints
		WHERE run_id = ?
		ORDER BY intersection_id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Checkpoint, 0)
	for rows.Next() {
		var cp domain.Checkpoint
		var created int64
		if err := rows.Scan(&cp.RunID, &cp.IntersectionID, &cp.Parameters, &created); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.CreatedAt = unixToTime(created)
		result = append(result, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return result, nil
}

func (s *Store) LogTraining(ctx context.Context, entry domain.TrainingLog) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO training_log(run_id, actor, action, detail, created_at)
		VALUES(?, ?, ?, ?, ?)`,
		entry.RunID, entry.Actor, entry.Action, entry.Detail, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("log training event: %w", err)
	}
	return nil
}

func (s *Store) ListTrainingLog(ctx context.Context, runID string, limit int) ([]domain.TrainingLog, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, run_id, actor, action, detail, created_at
		FROM training_log
		WHERE run_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list training log: %w", err)
	}
	defer rows.Close()

	result := make([]domain.TrainingLog, 0, limit)
	for rows.Next() {
		var item domain.TrainingLog
		var created int64
		if err := rows.Scan(&item.ID, &item.RunID, &item.Actor, &item.Action, &item.Detail, &created); err != nil {
			return nil, fmt.Errorf("scan training log entry: %w", err)
		}
		item.CreatedAt = unixToTime(created)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate training log: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var r domain.Run
	var status string
	var created, updated int64
	if err := row.Scan(
		&r.ID, &r.Scenario, &status, &r.Agents, &r.ObservationD, &r.Episodes,
		&r.EpisodesDone, &r.LastError, &created, &updated,
	); err != nil {
		return domain.Run{}, err
	}
	r.Status = domain.RunStatus(status)
	r.CreatedAt = unixToTime(created)
	r.UpdatedAt = unixToTime(updated)
	return r, nil
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
