package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/msageha/launchanalyzer/internal/model"
)

// SaveLaunch inserts or replaces a launch. An empty UUID is generated.
func (s *Store) SaveLaunch(ctx context.Context, l model.Launch) (model.Launch, error) {
	if l.UUID == "" {
		l.UUID = uuid.NewString()
	}
	if l.Mode == "" {
		l.Mode = model.LaunchModeDefault
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO launches (id, uuid, project_id, name, number, mode, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			uuid = excluded.uuid, project_id = excluded.project_id, name = excluded.name,
			number = excluded.number, mode = excluded.mode, status = excluded.status`,
		l.ID, l.UUID, l.ProjectID, l.Name, l.Number, string(l.Mode), string(l.Status))
	if err != nil {
		return l, fmt.Errorf("save launch %d: %w", l.ID, err)
	}
	return l, nil
}

// GetLaunch returns model.ErrNotFound for an unknown id.
func (s *Store) GetLaunch(ctx context.Context, id int64) (model.Launch, error) {
	var (
		l          model.Launch
		mode, stat string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, uuid, project_id, name, number, mode, status FROM launches WHERE id = ?`, id,
	).Scan(&l.ID, &l.UUID, &l.ProjectID, &l.Name, &l.Number, &mode, &stat)
	if errors.Is(err, sql.ErrNoRows) {
		return l, fmt.Errorf("launch %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return l, fmt.Errorf("get launch %d: %w", id, err)
	}
	l.Mode = model.LaunchMode(mode)
	l.Status = model.LaunchStatus(stat)
	return l, nil
}

// ProjectLaunchIDs filters ids down to the launches of one project.
func (s *Store) ProjectLaunchIDs(ctx context.Context, projectID int64, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	in, args := inClause(ids)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM launches WHERE project_id = ? AND id IN `+in+` ORDER BY id`,
		append([]any{projectID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("project launches: %w", err)
	}
	return scanIDs(rows)
}
