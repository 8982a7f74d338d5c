package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/devflow/devflow/internal/db"
	"github.com/devflow/devflow/internal/db/dialect"
)

// SQLStore implements Store over a db.Pool (SQLite or PostgreSQL).
type SQLStore struct {
	pool   *db.Pool
	driver string
}

// New creates a SQLStore and initializes the schema.
func New(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{
		pool:   pool,
		driver: pool.DriverName(),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize workflow schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	for _, stmt := range schemaStatements(s.driver) {
		if _, err := s.pool.Writer().Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying pool.
func (s *SQLStore) Close() error {
	return s.pool.Close()
}

func (s *SQLStore) reader() *sqlx.DB { return s.pool.Reader() }
func (s *SQLStore) writer() *sqlx.DB { return s.pool.Writer() }

// insertReturningID runs an INSERT and returns the generated id. The query
// must use ? placeholders and must not include a RETURNING clause.
func (s *SQLStore) insertReturningID(ctx context.Context, query string, args ...any) (int64, error) {
	if dialect.IsPostgres(s.driver) {
		var id int64
		q := s.writer().Rebind(query + " RETURNING id")
		if err := s.writer().QueryRowxContext(ctx, q, args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}

	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
