package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Create(ctx context.Context, tool *Tool) error {
	now := time.Now()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tools (tool_id, provider, max_fee, denom, active, description, endpoint, created_at, updated_at)
		VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7, $8, $8)
	`, strings.ToLower(tool.ToolID), tool.Provider, tool.MaxFee, tool.Denom,
		tool.Active, tool.Description, tool.Endpoint, now)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrToolExists
		}
		return fmt.Errorf("failed to create tool: %w", err)
	}

	tool.CreatedAt = now
	tool.UpdatedAt = now
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, toolID string) (*Tool, error) {
	var tool Tool
	err := p.db.QueryRowContext(ctx, `
		SELECT tool_id, provider, max_fee::TEXT, denom, active, description, endpoint, created_at, updated_at
		FROM tools WHERE tool_id = $1
	`, strings.ToLower(toolID)).Scan(
		&tool.ToolID, &tool.Provider, &tool.MaxFee, &tool.Denom,
		&tool.Active, &tool.Description, &tool.Endpoint,
		&tool.CreatedAt, &tool.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrToolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tool: %w", err)
	}
	return &tool, nil
}

func (p *PostgresStore) Update(ctx context.Context, tool *Tool) error {
	now := time.Now()
	res, err := p.db.ExecContext(ctx, `
		UPDATE tools
		SET provider = $2, max_fee = $3::NUMERIC, denom = $4, active = $5,
		    description = $6, endpoint = $7, updated_at = $8
		WHERE tool_id = $1
	`, strings.ToLower(tool.ToolID), tool.Provider, tool.MaxFee, tool.Denom,
		tool.Active, tool.Description, tool.Endpoint, now)
	if err != nil {
		return fmt.Errorf("failed to update tool: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update tool: %w", err)
	}
	if rows == 0 {
		return ErrToolNotFound
	}
	tool.UpdatedAt = now
	return nil
}

func (p *PostgresStore) List(ctx context.Context, activeOnly bool) ([]*Tool, error) {
	query := `
		SELECT tool_id, provider, max_fee::TEXT, denom, active, description, endpoint, created_at, updated_at
		FROM tools`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY tool_id`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	defer rows.Close()

	var tools []*Tool
	for rows.Next() {
		var tool Tool
		if err := rows.Scan(
			&tool.ToolID, &tool.Provider, &tool.MaxFee, &tool.Denom,
			&tool.Active, &tool.Description, &tool.Endpoint,
			&tool.CreatedAt, &tool.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan tool: %w", err)
		}
		tools = append(tools, &tool)
	}
	return tools, rows.Err()
}
