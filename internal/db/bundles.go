package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/autopilot/internal/model"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// BundleStore is a model.Store keeping one bundle per key in model_bundles
// and every training run in training_runs.
type BundleStore struct {
	db *DB
}

// NewBundleStore returns a store backed by db.
func NewBundleStore(db *DB) *BundleStore {
	return &BundleStore{db: db}
}

// Load returns the bundle stored under key.
func (s *BundleStore) Load(key string) (*model.Bundle, error) {
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM model_bundles WHERE key = ?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %v", model.ErrModelLoad, key, err)
	}
	b, err := model.UnmarshalBundle(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

// Save inserts or replaces the bundle under its key.
func (s *BundleStore) Save(b *model.Bundle) error {
	payload, err := model.MarshalBundle(b)
	if err != nil {
		return fmt.Errorf("encode bundle %s: %w", b.Key, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO model_bundles (key, bundle_id, mode, version, features, examples, iterations, loss, trained_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			bundle_id = excluded.bundle_id,
			mode = excluded.mode,
			version = excluded.version,
			features = excluded.features,
			examples = excluded.examples,
			iterations = excluded.iterations,
			loss = excluded.loss,
			trained_at = excluded.trained_at,
			payload = excluded.payload,
			updated_at = CURRENT_TIMESTAMP
	`, b.Key, b.ID, string(b.Mode), b.Version, b.Features, b.Examples, b.Iterations, b.Loss,
		b.TrainedAt.UTC().Format(timeLayout), payload)
	if err != nil {
		return fmt.Errorf("save bundle %s: %w", b.Key, err)
	}
	return nil
}

// RecordRun stores a training run. It implements model.RunRecorder.
func (s *BundleStore) RecordRun(res *model.TrainResult) error {
	history, err := json.Marshal(res.History)
	if err != nil {
		return fmt.Errorf("encode loss history: %w", err)
	}
	b := res.Bundle
	_, err = s.db.Exec(`
		INSERT INTO training_runs (run_id, bundle_id, key, corpus, reason, examples, iterations, final_loss, duration_ms, loss_history, trained_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), b.ID, b.Key, res.Corpus, res.Reason, b.Examples, b.Iterations, b.Loss,
		res.Duration.Milliseconds(), string(history), b.TrainedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("record training run for %s: %w", b.Key, err)
	}
	return nil
}

// BundleSummary describes a stored bundle without its payload.
type BundleSummary struct {
	Key        string     `json:"key"`
	ID         string     `json:"id"`
	Mode       model.Mode `json:"mode"`
	Version    int        `json:"version"`
	Features   int        `json:"features"`
	Examples   int        `json:"examples"`
	Iterations int        `json:"iterations"`
	Loss       float64    `json:"loss"`
	TrainedAt  time.Time  `json:"trained_at"`
}

// Bundles lists every stored bundle ordered by key.
func (s *BundleStore) Bundles() ([]BundleSummary, error) {
	rows, err := s.db.Query(`
		SELECT key, bundle_id, mode, version, features, examples, iterations, loss, trained_at
		FROM model_bundles ORDER BY key
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BundleSummary
	for rows.Next() {
		var (
			b         BundleSummary
			mode      string
			trainedAt string
		)
		if err := rows.Scan(&b.Key, &b.ID, &mode, &b.Version, &b.Features, &b.Examples,
			&b.Iterations, &b.Loss, &trainedAt); err != nil {
			return nil, err
		}
		b.Mode = model.Mode(mode)
		if b.TrainedAt, err = time.Parse(timeLayout, trainedAt); err != nil {
			return nil, fmt.Errorf("bundle %s: parse trained_at: %w", b.Key, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// TrainingRun is one row of training history.
type TrainingRun struct {
	RunID      string        `json:"run_id"`
	BundleID   string        `json:"bundle_id"`
	Key        string        `json:"key"`
	Corpus     string        `json:"corpus"`
	Reason     string        `json:"reason"`
	Examples   int           `json:"examples"`
	Iterations int           `json:"iterations"`
	FinalLoss  float64       `json:"final_loss"`
	Duration   time.Duration `json:"duration"`
	History    []float64     `json:"loss_history"`
	TrainedAt  time.Time     `json:"trained_at"`
}

// Runs returns up to limit training runs for key, newest first. An empty key
// returns runs for every key.
func (s *BundleStore) Runs(key string, limit int) ([]TrainingRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT run_id, bundle_id, key, corpus, reason, examples, iterations, final_loss, duration_ms, loss_history, trained_at
		FROM training_runs
		WHERE ? = '' OR key = ?
		ORDER BY trained_at DESC, rowid DESC
		LIMIT ?
	`, key, key, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TrainingRun
	for rows.Next() {
		var (
			r          TrainingRun
			durationMs int64
			history    string
			trainedAt  string
		)
		if err := rows.Scan(&r.RunID, &r.BundleID, &r.Key, &r.Corpus, &r.Reason, &r.Examples,
			&r.Iterations, &r.FinalLoss, &durationMs, &history, &trainedAt); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(durationMs) * time.Millisecond
		if err := json.Unmarshal([]byte(history), &r.History); err != nil {
			return nil, fmt.Errorf("run %s: decode loss history: %w", r.RunID, err)
		}
		if r.TrainedAt, err = time.Parse(timeLayout, trainedAt); err != nil {
			return nil, fmt.Errorf("run %s: parse trained_at: %w", r.RunID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
