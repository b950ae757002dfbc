package runstorage

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/protect-tools/timelapse_exporter/internal/domain/models"
	"github.com/protect-tools/timelapse_exporter/internal/storage/postgres"
)

type RunStorage struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *RunStorage {
	return &RunStorage{db: db}
}

func (s *RunStorage) Create(run models.TimelapseRun) error {
	const op = "storage.postgres.runs.Create"

	query := fmt.Sprintf(`INSERT INTO %s (run_id, kind, camera, params, started_at)
		VALUES ($1, $2, $3, $4, $5)`, postgres.RunsTable)

	if _, err := s.db.Exec(query, run.RunID, run.Kind, run.Camera, run.Params, run.StartedAt); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *RunStorage) Finish(runID, outcome string, downloaded, skipped int, outputPath, errMsg string) error {
	const op = "storage.postgres.runs.Finish"

	query := fmt.Sprintf(`UPDATE %s SET finished_at = $1, outcome = $2, downloaded = $3,
		skipped = $4, output_path = $5, error = $6 WHERE run_id = $7`, postgres.RunsTable)

	if _, err := s.db.Exec(query, time.Now(), outcome, downloaded, skipped, outputPath, errMsg, runID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *RunStorage) Runs(limit int) ([]models.TimelapseRun, error) {
	const op = "storage.postgres.runs.Runs"

	var runs []models.TimelapseRun
	query := fmt.Sprintf(`SELECT run_id, kind, camera, params, started_at, finished_at,
		COALESCE(outcome, '') AS outcome, downloaded, skipped,
		COALESCE(output_path, '') AS output_path, COALESCE(error, '') AS error
		FROM %s ORDER BY started_at DESC LIMIT $1`, postgres.RunsTable)

	if err := s.db.Select(&runs, query, limit); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return runs, nil
}
