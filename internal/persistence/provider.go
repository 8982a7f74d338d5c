// Package persistence wires configuration to concrete database connections.
package persistence

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/config"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/db"
)

// Provide creates the database pool used by the workflow store. The returned
// cleanup function closes all connections.
func Provide(cfg *config.Config, log *logger.Logger) (*db.Pool, func() error, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		writer, err := db.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		reader, err := db.OpenSQLiteReader(cfg.Database.Path)
		if err != nil {
			_ = writer.Close()
			return nil, nil, fmt.Errorf("failed to open sqlite reader: %w", err)
		}
		if log != nil {
			log.Info("Database initialized",
				zap.String("db_driver", cfg.Database.Driver),
				zap.String("db_path", cfg.Database.Path))
		}
		pool := db.NewPool(writer, reader)
		cleanup := func() error {
			// Run PRAGMA optimize before closing to update query planner
			// statistics. Lightweight and safe to call on every close.
			_, _ = writer.Exec("PRAGMA optimize")
			return pool.Close()
		}
		return pool, cleanup, nil

	case "postgres":
		conn, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		if log != nil {
			log.Info("Database initialized",
				zap.String("db_driver", cfg.Database.Driver),
				zap.String("db_host", cfg.Database.Host),
				zap.String("db_name", cfg.Database.DBName))
		}
		pool := db.NewPool(conn, conn)
		return pool, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}
