package db

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	_ "github.com/lib/pq"
)

// Config holds PostgreSQL connection settings
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Schema   string
	SSLMode  string
}

// ConnectPostgres opens a connection pool, provisions the schema and runs
// the inline migrations
func ConnectPostgres(ctx context.Context, cfg Config, logger *zap.Logger) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Database,
		cfg.SSLMode,
	)

	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := conn.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", cfg.Schema)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s, public", cfg.Schema)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set search_path: %w", err)
	}

	if err := runMigrations(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)

	logger.Info("postgres connected",
		zap.String("database", cfg.Database),
		zap.String("schema", cfg.Schema))
	return conn, nil
}

func runMigrations(ctx context.Context, conn *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS recordings (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			file_path TEXT NOT NULL,
			status TEXT NOT NULL,
			frame_count BIGINT NOT NULL DEFAULT 0,
			dropped_frames BIGINT NOT NULL DEFAULT 0,
			gap_count INTEGER NOT NULL DEFAULT 0,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			method TEXT NOT NULL,
			started_at TIMESTAMP WITH TIME ZONE NOT NULL,
			finished_at TIMESTAMP WITH TIME ZONE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_recordings_session_id ON recordings(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_status ON recordings(status)`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_created_at ON recordings(created_at DESC)`,
	}

	for i, migration := range migrations {
		if _, err := conn.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
