package store

import (
	"context"
	"database/sql"
	"fmt"

	"aegisflux/agents/exec-guard/internal/types"
)

// Rules returns every rule, enabled or not, in ascending rank
func (s *Store) Rules(ctx context.Context) ([]types.Rule, error) {
	return listRules(ctx, s.db, false)
}

// EnabledRules returns the enabled rules in ascending rank
func (s *Store) EnabledRules(ctx context.Context) ([]types.Rule, error) {
	return listRules(ctx, s.db, true)
}

// EnabledRules is EnabledRules read through the transaction
func (t *Tx) EnabledRules(ctx context.Context) ([]types.Rule, error) {
	return listRules(ctx, t.tx, true)
}

// CountRules returns the number of stored rules
func (s *Store) CountRules(ctx context.Context) (int, error) {
	return countRules(ctx, s.db)
}

// AddRule appends a rule at rank = current rule count; ID and Rank are
// written back into rule
func (s *Store) AddRule(ctx context.Context, rule *types.Rule) (int64, error) {
	err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.addRule(ctx, rule)
	})
	if err != nil {
		return 0, err
	}
	return rule.ID, nil
}

// AddRules appends several rules in one transaction
func (s *Store) AddRules(ctx context.Context, rules []types.Rule) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		for i := range rules {
			if err := tx.addRule(ctx, &rules[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (t *Tx) addRule(ctx context.Context, rule *types.Rule) error {
	rank, err := countRules(ctx, t.tx)
	if err != nil {
		return err
	}

	res, err := t.tx.ExecContext(ctx,
		"INSERT INTO rules (rank, enabled, allow, comment) VALUES (?, ?, ?, ?)",
		rank, rule.Enabled, rule.Allow, rule.Comment)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	ruleID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read rule id: %w", err)
	}

	for i := range rule.Attributes {
		attr := &rule.Attributes[i]
		res, err := t.tx.ExecContext(ctx,
			"INSERT INTO rule_attributes (rule_id, position, attribute_type, attribute) VALUES (?, ?, ?, ?)",
			ruleID, i, string(attr.Type), attr.Value)
		if err != nil {
			return fmt.Errorf("failed to insert rule attribute: %w", err)
		}
		if attr.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read rule attribute id: %w", err)
		}
	}

	rule.ID = ruleID
	rule.Rank = rank
	return nil
}

// SetRuleEnabled enables or disables a rule
func (s *Store) SetRuleEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx, "UPDATE rules SET enabled = ? WHERE id = ?", enabled, id)
	if err != nil {
		return fmt.Errorf("failed to update rule %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update rule %d: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchRules stamps last_used on the given rules
func (t *Tx) TouchRules(ctx context.Context, ids []int64) error {
	now := toNanos(t.now())
	for _, id := range ids {
		if _, err := t.tx.ExecContext(ctx, "UPDATE rules SET last_used = ? WHERE id = ?", now, id); err != nil {
			return fmt.Errorf("failed to touch rule %d: %w", id, err)
		}
	}
	return nil
}

func countRules(ctx context.Context, q querier) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM rules").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rules: %w", err)
	}
	return n, nil
}

func listRules(ctx context.Context, q querier, enabledOnly bool) ([]types.Rule, error) {
	query := "SELECT id, rank, enabled, allow, last_used, comment FROM rules"
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY rank ASC, id ASC"

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}

	var (
		rules []types.Rule
		index = map[int64]int{}
	)
	for rows.Next() {
		var (
			rule     types.Rule
			lastUsed sql.NullInt64
		)
		if err := rows.Scan(&rule.ID, &rule.Rank, &rule.Enabled, &rule.Allow, &lastUsed, &rule.Comment); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		if lastUsed.Valid {
			t := fromNanos(lastUsed.Int64)
			rule.LastUsed = &t
		}
		index[rule.ID] = len(rules)
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate rules: %w", err)
	}
	rows.Close()

	if len(rules) == 0 {
		return rules, nil
	}

	attrRows, err := q.QueryContext(ctx,
		"SELECT id, rule_id, attribute_type, attribute FROM rule_attributes ORDER BY rule_id, position")
	if err != nil {
		return nil, fmt.Errorf("failed to query rule attributes: %w", err)
	}
	defer attrRows.Close()

	for attrRows.Next() {
		var (
			attr     types.RuleAttribute
			ruleID   int64
			attrType string
		)
		if err := attrRows.Scan(&attr.ID, &ruleID, &attrType, &attr.Value); err != nil {
			return nil, fmt.Errorf("failed to scan rule attribute: %w", err)
		}
		i, ok := index[ruleID]
		if !ok {
			continue
		}
		attr.Type = types.AttributeType(attrType)
		rules[i].Attributes = append(rules[i].Attributes, attr)
	}
	return rules, attrRows.Err()
}
