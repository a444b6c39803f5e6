package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/rs/zerolog"
)

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	DatabaseURL string
	MaxConns    int32
	MinConns    int32
	// SlowQuery is the threshold above which successful queries are logged.
	// Zero disables query logging; failed queries are always logged.
	SlowQuery time.Duration
}

func NewPool(ctx context.Context, pc PoolConfig, logger zerolog.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(pc.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = pc.MaxConns
	cfg.MinConns = pc.MinConns
	cfg.ConnConfig.Tracer = &tracelog.TraceLog{
		Logger:   NewQueryLogger(logger, pc.SlowQuery),
		LogLevel: tracelog.LogLevelInfo,
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// QueryLogger bridges pgx tracelog output onto zerolog. Errors are always
// emitted; other entries only when they carry a duration above the threshold.
type QueryLogger struct {
	logger    zerolog.Logger
	threshold time.Duration
}

func NewQueryLogger(logger zerolog.Logger, threshold time.Duration) *QueryLogger {
	return &QueryLogger{logger: logger.With().Str("component", "pgx").Logger(), threshold: threshold}
}

func (l *QueryLogger) Log(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
	if level > tracelog.LogLevelWarn {
		elapsed, ok := data["time"].(time.Duration)
		if !ok || l.threshold <= 0 || elapsed < l.threshold {
			return
		}
		level = tracelog.LogLevelWarn
		msg = "slow " + msg
	}

	var evt *zerolog.Event
	switch level {
	case tracelog.LogLevelError:
		evt = l.logger.Error()
	default:
		evt = l.logger.Warn()
	}
	if tenant := TenantFromContext(ctx); tenant != "" {
		evt = evt.Str("tenant_id", tenant)
	}
	for k, v := range data {
		if k == "args" {
			// Bound parameters may carry PHI.
			continue
		}
		evt = evt.Interface(k, v)
	}
	evt.Msg(msg)
}
