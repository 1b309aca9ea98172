package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	driver "github.com/go-sql-driver/mysql"

	"pairarb/internal/infrastructure/storage/sqlstore"
)

// Open dsn 形如 user:pass@tcp(host:3306)/pairarb
func Open(ctx context.Context, dsn string) (*sqlstore.Store, error) {
	cfg, err := driver.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	connector, err := driver.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s, err := sqlstore.New(ctx, db, sqlstore.MySQL)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
