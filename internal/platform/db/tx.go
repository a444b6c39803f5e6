package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TxManager runs units of work in a single Postgres transaction. It reuses
// the tenant connection pinned by TenantMiddleware when present and
// otherwise borrows one from the pool for the duration of the call.
type TxManager struct {
	pool          *pgxpool.Pool
	defaultTenant string
}

func NewTxManager(pool *pgxpool.Pool, defaultTenant string) *TxManager {
	return &TxManager{pool: pool, defaultTenant: defaultTenant}
}

// InTx executes fn inside a transaction. A transaction already present in
// ctx is joined rather than nested. fn's error rolls everything back.
func (m *TxManager) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	var tx pgx.Tx
	var err error
	if conn := ConnFromContext(ctx); conn != nil {
		ctx, tx, err = WithTx(ctx)
		if err != nil {
			return err
		}
	} else {
		if m.pool == nil {
			return ErrNoConn
		}
		conn, err := m.pool.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire connection: %w", err)
		}
		defer conn.Release()

		tx, err = conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		tenant := TenantFromContext(ctx)
		if tenant == "" {
			tenant = m.defaultTenant
		}
		if !ValidTenantID(tenant) {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("invalid tenant identifier: %s", tenant)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path TO %s, public", SchemaName(tenant))); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("set search_path: %w", err)
		}
		ctx = context.WithValue(ctx, DBTxKey, tx)
	}

	if err := fn(ctx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
