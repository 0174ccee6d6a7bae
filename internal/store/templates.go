package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/msageha/launchanalyzer/internal/model"
)

// TemplateNameExists reports whether the project already has a template of
// that name, compared case-insensitively.
func (s *Store) TemplateNameExists(ctx context.Context, projectID int64, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pattern_templates WHERE project_id = ? AND name = ? COLLATE NOCASE`,
		projectID, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("template name lookup: %w", err)
	}
	return n > 0, nil
}

// CreateTemplate inserts t and returns it with its id. A name clash is
// reported as model.ErrDuplicateTemplate.
func (s *Store) CreateTemplate(ctx context.Context, t model.PatternTemplate) (model.PatternTemplate, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pattern_templates (project_id, name, type, value, enabled) VALUES (?, ?, ?, ?, ?)`,
		t.ProjectID, t.Name, string(t.Type), t.Value, boolInt(t.Enabled))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return t, fmt.Errorf("template %q: %w", t.Name, model.ErrDuplicateTemplate)
		}
		return t, fmt.Errorf("create template: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return t, fmt.Errorf("template id: %w", err)
	}
	t.ID = id
	return t, nil
}

const templateColumns = `id, project_id, name, type, value, enabled`

func scanTemplate(row interface{ Scan(...any) error }) (model.PatternTemplate, error) {
	var (
		t       model.PatternTemplate
		typ     string
		enabled int
	)
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Name, &typ, &t.Value, &enabled); err != nil {
		return t, err
	}
	t.Type = model.TemplateType(typ)
	t.Enabled = enabled == 1
	return t, nil
}

func (s *Store) GetTemplate(ctx context.Context, projectID, id int64) (model.PatternTemplate, error) {
	t, err := scanTemplate(s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM pattern_templates WHERE project_id = ? AND id = ?`, projectID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("template %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return t, fmt.Errorf("get template %d: %w", id, err)
	}
	return t, nil
}

// ListTemplates returns the project's templates ordered by id.
func (s *Store) ListTemplates(ctx context.Context, projectID int64, enabledOnly bool) ([]model.PatternTemplate, error) {
	q := `SELECT ` + templateColumns + ` FROM pattern_templates WHERE project_id = ?`
	if enabledOnly {
		q += ` AND enabled = 1`
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []model.PatternTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) SetTemplateEnabled(ctx context.Context, projectID, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pattern_templates SET enabled = ? WHERE project_id = ? AND id = ?`, boolInt(enabled), projectID, id)
	if err != nil {
		return fmt.Errorf("update template %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("template %d: %w", id, model.ErrNotFound)
	}
	return nil
}

// DeleteTemplate removes a template and its matches.
func (s *Store) DeleteTemplate(ctx context.Context, projectID, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pattern_templates WHERE project_id = ? AND id = ?`, projectID, id)
	if err != nil {
		return fmt.Errorf("delete template %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("template %d: %w", id, model.ErrNotFound)
	}
	return nil
}

// SaveBatch inserts template matches in one transaction.
func (s *Store) SaveBatch(ctx context.Context, rows []model.PatternTemplateTestItem) error {
	if len(rows) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO pattern_template_test_items (pattern_template_id, test_item_id) VALUES (?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare match insert: %w", err)
		}
		defer stmt.Close()
		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, r.PatternTemplateID, r.TestItemID); err != nil {
				return fmt.Errorf("save match template=%d item=%d: %w", r.PatternTemplateID, r.TestItemID, err)
			}
		}
		return nil
	})
}

// Matches lists every match row of a launch ordered by item then template.
func (s *Store) Matches(ctx context.Context, launchID int64) ([]model.PatternTemplateTestItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.pattern_template_id, m.test_item_id
		FROM pattern_template_test_items m
		JOIN test_items ti ON ti.id = m.test_item_id
		WHERE ti.launch_id = ?
		ORDER BY m.test_item_id, m.pattern_template_id`, launchID)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	defer rows.Close()

	var out []model.PatternTemplateTestItem
	for rows.Next() {
		var m model.PatternTemplateTestItem
		if err := rows.Scan(&m.PatternTemplateID, &m.TestItemID); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
