package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"pairarb/internal/infrastructure/storage/sqlstore"
)

// Open 默认存储；单连接，避免 database is locked
func Open(ctx context.Context, path string) (*sqlstore.Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s, err := sqlstore.New(ctx, db, sqlstore.SQLite)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
