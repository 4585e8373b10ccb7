package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/breez/feedback-ledger/store"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type SQLiteChangeStorage struct {
	db *sql.DB
}

func NewSQLiteChangeStorage(file string) (*SQLiteChangeStorage, error) {
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database %w", err)
	}
	// a single connection serializes writers and keeps in-memory databases intact
	db.SetMaxOpenConns(1)

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migration source %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrationDriver, "sqlite3", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}
	return &SQLiteChangeStorage{db: db}, nil
}

func (s *SQLiteChangeStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteChangeStorage) Save(ctx context.Context, changes []store.Change) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM changes"); err != nil {
		return fmt.Errorf("failed to clear changes: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO changes
		(position, id, type, timestamp, remote_id, data, original_data, updated_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, c := range changes {
		_, err := stmt.ExecContext(ctx,
			i,
			c.ID,
			string(c.Type),
			c.Timestamp.UTC().Format(time.RFC3339Nano),
			c.RemoteID,
			store.NullableDocument(c.Data),
			store.NullableDocument(c.OriginalData),
			store.NullableDocument(c.UpdatedData),
		)
		if err != nil {
			return fmt.Errorf("failed to insert change %v: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteChangeStorage) Load(ctx context.Context) ([]store.Change, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, type, timestamp, remote_id, data, original_data, updated_data
		FROM changes ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	changes := make([]store.Change, 0)
	for rows.Next() {
		var (
			c                               store.Change
			changeType, timestamp           string
			data, originalData, updatedData *string
		)
		if err := rows.Scan(&c.ID, &changeType, &timestamp, &c.RemoteID, &data, &originalData, &updatedData); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		c.Type = store.ChangeType(changeType)
		if c.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp); err != nil {
			return nil, fmt.Errorf("%w: change %v has invalid timestamp: %v", store.ErrCorrupt, c.ID, err)
		}
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
