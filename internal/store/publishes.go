package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/piframe/pi-frame/internal/quiesce"
)

// PublishRecord is a stored publish attempt.
type PublishRecord struct {
	ChangeAt   time.Time `json:"change_at"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	ID         string    `json:"id"`
	Error      string    `json:"error,omitempty"`
	Step       string    `json:"step,omitempty"`
	OK         bool      `json:"ok"`
}

// Duration is how long the publish took.
func (r PublishRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// stepper is implemented by errors that know which publish step failed.
type stepper interface {
	FailedStep() string
}

// RecordPublish stores a publish attempt.
func (s *Store) RecordPublish(ctx context.Context, a quiesce.Attempt) error {
	var errText, step string
	if a.Err != nil {
		errText = a.Err.Error()
		var st stepper
		if errors.As(a.Err, &st) {
			step = st.FailedStep()
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO publishes (id, change_at, started_at, finished_at, ok, error, step)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		formatTime(a.ChangeAt),
		formatTime(a.StartedAt),
		formatTime(a.FinishedAt),
		boolToInt(a.OK()),
		errText,
		step,
	)
	if err != nil {
		return fmt.Errorf("insert publish %s: %w", a.ID, err)
	}
	return nil
}

// RecentPublishes returns up to limit attempts, newest first.
func (s *Store) RecentPublishes(limit int) ([]PublishRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, change_at, started_at, finished_at, ok, error, step
		 FROM publishes
		 ORDER BY started_at DESC, rowid DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPublishes(rows)
}

// PublishCounts returns the number of successful and failed attempts.
func (s *Store) PublishCounts() (ok, failed int64, err error) {
	err = s.db.QueryRow(
		`SELECT COALESCE(SUM(ok), 0), COALESCE(SUM(1 - ok), 0) FROM publishes`,
	).Scan(&ok, &failed)
	return ok, failed, err
}

func scanPublishes(rows *sql.Rows) ([]PublishRecord, error) {
	var records []PublishRecord
	for rows.Next() {
		var r PublishRecord
		var changeAt, startedAt, finishedAt string
		var ok int
		if err := rows.Scan(&r.ID, &changeAt, &startedAt, &finishedAt, &ok, &r.Error, &r.Step); err != nil {
			return nil, err
		}
		var err error
		if r.ChangeAt, err = parseTime(changeAt); err != nil {
			return nil, err
		}
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if r.FinishedAt, err = parseTime(finishedAt); err != nil {
			return nil, err
		}
		r.OK = ok != 0
		records = append(records, r)
	}
	return records, rows.Err()
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse publish timestamp %q: %w", s, err)
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
