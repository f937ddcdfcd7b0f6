package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantforge/exec-core/pkg/types"
)

// GroupStore persists ExecutionGroup rows and their account mappings.
type GroupStore struct{ pool *pgxpool.Pool }

func NewGroupStore(pool *pgxpool.Pool) *GroupStore { return &GroupStore{pool: pool} }

func (s *GroupStore) Create(ctx context.Context, g types.ExecutionGroup) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO execution_groups (id, user_id, name, mode, description, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		g.ID, g.UserID, g.Name, string(g.Mode), g.Description, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create execution group %s: %w", g.ID, err)
	}
	return nil
}

func (s *GroupStore) Get(ctx context.Context, id types.ID) (types.ExecutionGroup, error) {
	var g types.ExecutionGroup
	var mode string
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, name, mode, description, created_at FROM execution_groups WHERE id = $1`, id,
	).Scan(&g.ID, &g.UserID, &g.Name, &mode, &g.Description, &g.CreatedAt)
	if err != nil {
		return types.ExecutionGroup{}, mapNoRows(err)
	}
	g.Mode = types.GroupMode(mode)
	return g, nil
}

// ListByUser returns a user's ExecutionGroups, newest first, for `GET
// /execution-groups`.
func (s *GroupStore) ListByUser(ctx context.Context, userID types.ID) ([]types.ExecutionGroup, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, mode, description, created_at FROM execution_groups
		 WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list execution groups for user %s: %w", userID, err)
	}
	defer rows.Close()

	var out []types.ExecutionGroup
	for rows.Next() {
		var g types.ExecutionGroup
		var mode string
		if err := rows.Scan(&g.ID, &g.UserID, &g.Name, &mode, &g.Description, &g.CreatedAt); err != nil {
			return nil, err
		}
		g.Mode = types.GroupMode(mode)
		out = append(out, g)
	}
	return out, rows.Err()
}

// Update patches a group's mutable fields (name, mode, description).
func (s *GroupStore) Update(ctx context.Context, g types.ExecutionGroup) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE execution_groups SET name = $1, mode = $2, description = $3 WHERE id = $4`,
		g.Name, string(g.Mode), g.Description, g.ID)
	if err != nil {
		return fmt.Errorf("postgres: update execution group %s: %w", g.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a group and, via ON DELETE CASCADE, its mappings.
func (s *GroupStore) Delete(ctx context.Context, id types.ID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM execution_groups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete execution group %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMapping removes one account mapping from a group by its mapping id.
func (s *GroupStore) DeleteMapping(ctx context.Context, groupID, mappingID types.ID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM group_account_mappings WHERE group_id = $1 AND id = $2`, groupID, mappingID)
	if err != nil {
		return fmt.Errorf("postgres: delete group mapping %s/%s: %w", groupID, mappingID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddMapping inserts or updates one account's mapping within a group; the
// (group_id, account_id) pair is unique (spec §3 invariant: "an Account
// appears at most once per Group").
func (s *GroupStore) AddMapping(ctx context.Context, m types.GroupAccountMapping) error {
	if err := m.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO group_account_mappings (id, group_id, account_id, policy, weight, fixed_lots)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (group_id, account_id) DO UPDATE
		SET policy = EXCLUDED.policy, weight = EXCLUDED.weight, fixed_lots = EXCLUDED.fixed_lots`,
		m.ID, m.GroupID, m.AccountID, string(m.Policy), m.Weight, m.FixedLots)
	if err != nil {
		return fmt.Errorf("postgres: upsert group mapping %s/%s: %w", m.GroupID, m.AccountID, err)
	}
	return nil
}

// ListMappings returns a group's mappings in a stable order (insertion
// order via id), matching the Allocation Planner's mapping-order tiebreak
// requirement.
func (s *GroupStore) ListMappings(ctx context.Context, groupID types.ID) ([]types.GroupAccountMapping, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, group_id, account_id, policy, weight, fixed_lots
		 FROM group_account_mappings WHERE group_id = $1 ORDER BY id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list group mappings %s: %w", groupID, err)
	}
	defer rows.Close()
	return scanMappingRows(rows)
}

func scanMappingRows(rows pgx.Rows) ([]types.GroupAccountMapping, error) {
	var out []types.GroupAccountMapping
	for rows.Next() {
		var m types.GroupAccountMapping
		var policy string
		if err := rows.Scan(&m.ID, &m.GroupID, &m.AccountID, &policy, &m.Weight, &m.FixedLots); err != nil {
			return nil, err
		}
		m.Policy = types.MappingPolicy(policy)
		out = append(out, m)
	}
	return out, rows.Err()
}
