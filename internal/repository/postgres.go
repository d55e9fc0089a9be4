// Package repository содержит реализации хранилища реестра доноров.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/donor-registry/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrStorageUnavailable возвращается, если носитель реестра не удалось прочитать или записать.
var (
	ErrStorageUnavailable = errors.New("registry storage unavailable")
	// ErrVersionConflict возвращается, если реестр изменился между чтением и записью.
	ErrVersionConflict = errors.New("registry version conflict")
)

const snapshotID = 1

// PostgresRepository хранит реестр одной строкой JSONB с номером версии.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isTransient(err) || i == len(delays) {
			break
		}

		timer := time.NewTimer(delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Load читает снимок реестра. Отсутствие строки означает пустой реестр версии 0.
func (r *PostgresRepository) Load(ctx context.Context) (*model.Registry, error) {
	var (
		version int64
		raw     []byte
	)

	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`SELECT version, records FROM registry_snapshots WHERE id = $1`,
			snapshotID,
		).Scan(&version, &raw)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &model.Registry{}, nil
		}
		return nil, fmt.Errorf("%w: load snapshot: %v", ErrStorageUnavailable, err)
	}

	records, err := decodeRecords(raw)
	if err != nil {
		return nil, err
	}

	return &model.Registry{Version: version, Records: records}, nil
}

// Save записывает реестр целиком, если версия в БД совпадает с версией снимка.
func (r *PostgresRepository) Save(ctx context.Context, reg *model.Registry) error {
	raw, err := encodeRecords(reg.Records)
	if err != nil {
		return err
	}

	var tag pgconn.CommandTag
	if reg.Version == 0 {
		tag, err = r.pool.Exec(ctx,
			`INSERT INTO registry_snapshots (id, version, records) VALUES ($1, 1, $2)
			 ON CONFLICT (id) DO NOTHING`,
			snapshotID, raw,
		)
	} else {
		tag, err = r.pool.Exec(ctx,
			`UPDATE registry_snapshots
			 SET records = $3, version = version + 1, updated_at = now()
			 WHERE id = $1 AND version = $2`,
			snapshotID, reg.Version, raw,
		)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.SerializationFailure {
			return ErrVersionConflict
		}
		return fmt.Errorf("%w: save snapshot: %v", ErrStorageUnavailable, err)
	}

	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	reg.Version++
	return nil
}
