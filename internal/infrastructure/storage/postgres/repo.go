package postgres

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"pairarb/internal/infrastructure/storage/sqlstore"
)

func Open(ctx context.Context, dsn string) (*sqlstore.Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s, err := sqlstore.New(ctx, db, sqlstore.Postgres)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
