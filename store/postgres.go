package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmoreau/opsync/ot"
)

// PostgresStore is a PostgreSQL-backed implementation of DocumentStore.
// Operations are stored one row per version with the payload as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore on an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the documents and operations tables if needed.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			id         TEXT PRIMARY KEY,
			content    TEXT NOT NULL,
			version    INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS operations (
			doc_id  TEXT NOT NULL REFERENCES documents(id),
			version INTEGER NOT NULL,
			op      JSONB NOT NULL,
			PRIMARY KEY (doc_id, version)
		);
	`)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, id, content string) error {
	now := time.Now()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO documents (id, content, version, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $3)
		ON CONFLICT (id) DO NOTHING
	`, id, content, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %q already exists", id)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*DocumentInfo, error) {
	info := DocumentInfo{ID: id}
	err := s.pool.QueryRow(ctx, `
		SELECT content, version, created_at, updated_at
		FROM documents WHERE id = $1
	`, id).Scan(&info.Content, &info.Version, &info.CreatedAt, &info.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("document %q not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]DocumentInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, content, version, created_at, updated_at
		FROM documents ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []DocumentInfo
	for rows.Next() {
		var info DocumentInfo
		if err := rows.Scan(&info.ID, &info.Content, &info.Version, &info.CreatedAt, &info.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, info)
	}
	return result, rows.Err()
}

func (s *PostgresStore) UpdateContent(ctx context.Context, id, content string, version int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents SET content = $2, version = $3, updated_at = $4
		WHERE id = $1
	`, id, content, version, time.Now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %q not found", id)
	}
	return nil
}

func (s *PostgresStore) AppendOperation(ctx context.Context, id string, op ot.Operation, version int) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO operations (doc_id, version, op) VALUES ($1, $2, $3)
	`, id, version, payload)
	return err
}

func (s *PostgresStore) GetOperations(ctx context.Context, id string, fromVersion int) ([]ot.Operation, error) {
	// Verify document exists.
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT op FROM operations
		WHERE doc_id = $1 AND version > $2
		ORDER BY version
	`, id, fromVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []ot.Operation
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var op ot.Operation
		if err := json.Unmarshal(payload, &op); err != nil {
			return nil, fmt.Errorf("decode operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
