package storage

import (
	"context"
	"database/sql"
	"embed"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

//go:embed migrations/*.sql
var migrations embed.FS

// MySQLStore keeps collections as rows of the kv_store table.
type MySQLStore struct {
	db *sqlx.DB
}

type kvRow struct {
	Key   string `db:"key"`
	Value string `db:"value"`
}

// OpenMySQL connects and brings the schema up to date before returning.
func OpenMySQL(ctx context.Context, dsn string) (*MySQLStore, error) {
	if err := migrateUp(dsn); err != nil {
		return nil, err
	}

	db, err := sqlx.ConnectContext(ctx, "mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect to mysql")
	}
	return &MySQLStore{db: db}, nil
}

func migrateUp(dsn string) error {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return errors.Wrap(err, "open migration connection")
	}

	driver, err := migratemysql.WithInstance(db, &migratemysql.Config{})
	if err != nil {
		_ = db.Close()
		return errors.Wrap(err, "init migration driver")
	}
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		_ = db.Close()
		return errors.Wrap(err, "load migrations")
	}

	m, err := migrate.NewWithInstance("iofs", source, "mysql", driver)
	if err != nil {
		_ = db.Close()
		return errors.Wrap(err, "init migrations")
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}

func (s *MySQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var row kvRow
	err := s.db.GetContext(ctx, &row, "SELECT `key`, `value` FROM kv_store WHERE `key` = ?", key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, errors.Wrapf(err, "select %s", key)
	}
	return []byte(row.Value), nil
}

func (s *MySQLStore) Put(ctx context.Context, key string, value []byte) error {
	const query = "INSERT INTO kv_store (`key`, `value`) VALUES (:key, :value) " +
		"ON DUPLICATE KEY UPDATE `value` = VALUES(`value`)"
	if _, err := s.db.NamedExecContext(ctx, query, kvRow{Key: key, Value: string(value)}); err != nil {
		return errors.Wrapf(err, "upsert %s", key)
	}
	return nil
}

func (s *MySQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv_store WHERE `key` = ?", key); err != nil {
		return errors.Wrapf(err, "delete %s", key)
	}
	return nil
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}
