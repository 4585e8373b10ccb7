package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/breez/feedback-ledger/store"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var changeColumns = []string{"position", "id", "type", "created_at", "remote_id", "data", "original_data", "updated_data"}

type PgChangeStorage struct {
	db *pgxpool.Pool
}

func NewPGChangeStorage(databaseURL string) (*PgChangeStorage, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database %w", err)
	}
	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	m, err := migrate.NewWithInstance(
		"iofs", migrationDriver,
		"feedback-ledger", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}
	if _, err := m.Close(); err != nil {
		return nil, fmt.Errorf("failed to close migrations %w", err)
	}

	pgxPool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New(%v): %w", databaseURL, err)
	}
	return &PgChangeStorage{db: pgxPool}, nil
}

func (s *PgChangeStorage) Close() error {
	s.db.Close()
	return nil
}

func (s *PgChangeStorage) Save(ctx context.Context, changes []store.Change) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: pgx.Serializable,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

	if _, err := tx.Exec(ctx, "DELETE FROM changes"); err != nil {
		return fmt.Errorf("failed to clear changes: %w", err)
	}

	rows := make([][]any, len(changes))
	for i, c := range changes {
		rows[i] = []any{
			int32(i),
			c.ID,
			string(c.Type),
			c.Timestamp.UTC(),
			c.RemoteID,
			store.NullableDocument(c.Data),
			store.NullableDocument(c.OriginalData),
			store.NullableDocument(c.UpdatedData),
		}
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"changes"}, changeColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("failed to insert changes: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PgChangeStorage) Load(ctx context.Context) ([]store.Change, error) {
	rows, err := s.db.Query(ctx, `SELECT id, type, created_at, remote_id, data, original_data, updated_data
		FROM changes ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	changes := make([]store.Change, 0)
	for rows.Next() {
		var (
			c                               store.Change
			changeType                      string
			data, originalData, updatedData *string
		)
		if err := rows.Scan(&c.ID, &changeType, &c.Timestamp, &c.RemoteID, &data, &originalData, &updatedData); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		c.Type = store.ChangeType(changeType)
		c.Timestamp = c.Timestamp.UTC()
		if c.Data, err = store.DocumentFromColumn(data); err != nil {
			return nil, fmt.Errorf("%w: change %v: %v", store.ErrCorrupt, c.ID, err)
		}
		if c.OriginalData, err = store.DocumentFromColumn(originalData); err != nil {
			return nil, fmt.Errorf("%w: change %v: %v", store.ErrCorrupt, c.ID, err)
		}
		if c.UpdatedData, err = store.DocumentFromColumn(updatedData); err != nil {
			return nil, fmt.Errorf("%w: change %v: %v", store.ErrCorrupt, c.ID, err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate changes: %w", err)
	}
	return changes, nil
}
