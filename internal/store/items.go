package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/msageha/launchanalyzer/internal/model"
)

// SaveItems upserts test items in one transaction.
func (s *Store) SaveItems(ctx context.Context, items []model.TestItem) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO test_items (id, launch_id, name, unique_id, test_case_hash, status,
				issue_type, issue_group, auto_analyzed, ignore_analyzer, has_children)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				launch_id = excluded.launch_id, name = excluded.name, unique_id = excluded.unique_id,
				test_case_hash = excluded.test_case_hash, status = excluded.status,
				issue_type = excluded.issue_type, issue_group = excluded.issue_group,
				auto_analyzed = excluded.auto_analyzed, ignore_analyzer = excluded.ignore_analyzer,
				has_children = excluded.has_children`)
		if err != nil {
			return fmt.Errorf("prepare item insert: %w", err)
		}
		defer stmt.Close()

		for _, it := range items {
			group := it.IssueGroup
			if group == "" && it.IssueType != "" {
				if g, err := model.GroupOf(it.IssueType); err == nil {
					group = g
				}
			}
			if _, err := stmt.ExecContext(ctx, it.ID, it.LaunchID, it.Name, it.UniqueID, it.TestCaseHash,
				string(it.Status), it.IssueType, string(group), boolInt(it.AutoAnalyzed),
				boolInt(it.IgnoreAnalyzer), boolInt(it.HasChildren)); err != nil {
				return fmt.Errorf("save item %d: %w", it.ID, err)
			}
		}
		return nil
	})
}

const itemColumns = `id, launch_id, name, unique_id, test_case_hash, status, issue_type, issue_group,
	auto_analyzed, ignore_analyzer, has_children`

func scanItems(rows *sql.Rows) ([]model.TestItem, error) {
	defer rows.Close()
	var out []model.TestItem
	for rows.Next() {
		var (
			it                  model.TestItem
			status, group       string
			auto, ignore, child int
		)
		if err := rows.Scan(&it.ID, &it.LaunchID, &it.Name, &it.UniqueID, &it.TestCaseHash, &status,
			&it.IssueType, &group, &auto, &ignore, &child); err != nil {
			return nil, err
		}
		it.Status = model.ItemStatus(status)
		it.IssueGroup = model.IssueGroup(group)
		it.AutoAnalyzed = auto == 1
		it.IgnoreAnalyzer = ignore == 1
		it.HasChildren = child == 1
		out = append(out, it)
	}
	return out, rows.Err()
}

// GetItems returns the items with the given ids, ordered by id.
func (s *Store) GetItems(ctx context.Context, ids []int64) ([]model.TestItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	in, args := inClause(ids)
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM test_items WHERE id IN `+in+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("get items: %w", err)
	}
	return scanItems(rows)
}

// LaunchItems returns every item of a launch, ordered by id.
func (s *Store) LaunchItems(ctx context.Context, launchID int64) ([]model.TestItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM test_items WHERE launch_id = ? ORDER BY id`, launchID)
	if err != nil {
		return nil, fmt.Errorf("launch items: %w", err)
	}
	return scanItems(rows)
}

var predicateSQL = map[model.ItemPredicate]string{
	model.PredicateToInvestigate:    `(ti.status = 'FAILED' AND ti.issue_group = 'TO_INVESTIGATE')`,
	model.PredicateAutoAnalyzed:     `(ti.auto_analyzed = 1 AND ti.issue_group NOT IN ('', 'TO_INVESTIGATE'))`,
	model.PredicateManuallyAnalyzed: `(ti.auto_analyzed = 0 AND ti.issue_group NOT IN ('', 'TO_INVESTIGATE'))`,
}

func filterWhere(launchID int64, f model.ItemFilter) (string, []any, error) {
	if len(f.Any) == 0 {
		return "", nil, fmt.Errorf("%w: filter without predicates", model.ErrValidation)
	}
	ors := make([]string, 0, len(f.Any))
	for _, p := range f.Any {
		sqlText, ok := predicateSQL[p]
		if !ok {
			return "", nil, fmt.Errorf("%w: unknown predicate %q", model.ErrValidation, p)
		}
		ors = append(ors, sqlText)
	}

	where := `ti.launch_id = ? AND ti.has_children = 0 AND ti.ignore_analyzer = 0 AND (` + strings.Join(ors, " OR ") + `)`
	args := []any{launchID}
	if f.ExcludeTemplate != "" {
		where += ` AND NOT EXISTS (
			SELECT 1 FROM pattern_template_test_items m
			JOIN pattern_templates p ON p.id = m.pattern_template_id
			WHERE m.test_item_id = ti.id AND p.name = ?)`
		args = append(args, f.ExcludeTemplate)
	}
	return where, args, nil
}

// FindItemIDs returns all item ids of a launch matching the filter.
func (s *Store) FindItemIDs(ctx context.Context, launchID int64, f model.ItemFilter) ([]int64, error) {
	where, args, err := filterWhere(launchID, f)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT ti.id FROM test_items ti WHERE `+where+` ORDER BY ti.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("find items: %w", err)
	}
	return scanIDs(rows)
}

// FindIDsByFilter is FindItemIDs with a page window, ordered by id.
func (s *Store) FindIDsByFilter(ctx context.Context, launchID int64, f model.ItemFilter, limit, offset int) ([]int64, error) {
	where, args, err := filterWhere(launchID, f)
	if err != nil {
		return nil, err
	}
	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT ti.id FROM test_items ti WHERE `+where+` ORDER BY ti.id LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("find items page: %w", err)
	}
	return scanIDs(rows)
}

// UpdateIssue sets the issue type of an item, deriving its group.
func (s *Store) UpdateIssue(ctx context.Context, itemID int64, issueType string, autoAnalyzed bool) error {
	group, err := model.GroupOf(issueType)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE test_items SET issue_type = ?, issue_group = ?, auto_analyzed = ? WHERE id = ?`,
		issueType, string(group), boolInt(autoAnalyzed), itemID)
	if err != nil {
		return fmt.Errorf("update issue of item %d: %w", itemID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %d: %w", itemID, model.ErrNotFound)
	}
	return nil
}

// ResetIssues moves items back to the default to-investigate issue.
func (s *Store) ResetIssues(ctx context.Context, itemIDs []int64) error {
	if len(itemIDs) == 0 {
		return nil
	}
	in, args := inClause(itemIDs)
	_, err := s.db.ExecContext(ctx,
		`UPDATE test_items SET issue_type = ?, issue_group = ?, auto_analyzed = 0 WHERE id IN `+in,
		append([]any{model.IssueToInvestigate, string(model.GroupToInvestigate)}, args...)...)
	if err != nil {
		return fmt.Errorf("reset issues: %w", err)
	}
	return nil
}

// SaveLogs inserts logs in one transaction.
func (s *Store) SaveLogs(ctx context.Context, logs []model.LogEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO logs (id, item_id, level, message) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET item_id = excluded.item_id, level = excluded.level, message = excluded.message`)
		if err != nil {
			return fmt.Errorf("prepare log insert: %w", err)
		}
		defer stmt.Close()
		for _, l := range logs {
			if _, err := stmt.ExecContext(ctx, l.ID, l.ItemID, l.Level, l.Message); err != nil {
				return fmt.Errorf("save log %d: %w", l.ID, err)
			}
		}
		return nil
	})
}

// FindLogs returns logs at or above minLevel grouped by item, each group
// ordered by log id.
func (s *Store) FindLogs(ctx context.Context, itemIDs []int64, minLevel int) (map[int64][]model.LogEntry, error) {
	out := make(map[int64][]model.LogEntry)
	if len(itemIDs) == 0 {
		return out, nil
	}
	in, args := inClause(itemIDs)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, item_id, level, message FROM logs WHERE level >= ? AND item_id IN `+in+` ORDER BY item_id, id`,
		append([]any{minLevel}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("find logs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var l model.LogEntry
		if err := rows.Scan(&l.ID, &l.ItemID, &l.Level, &l.Message); err != nil {
			return nil, err
		}
		out[l.ItemID] = append(out[l.ItemID], l)
	}
	return out, rows.Err()
}
