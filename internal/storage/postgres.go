package storage

import (
	"context"
	"database/sql"
	"errors"
	logx "recurd/pkg/logx"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, &Error{Op: "open", Err: errors.New("storage.dsn is required for postgres driver")}
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, wrap("open", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
		db.SetMaxIdleConns(cfg.MaxConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, wrap("open", err)
	}

	st := newSQLStore(db, dialect{
		name:     "postgres",
		rebind:   rebindDollar,
		isUnique: postgresIsUnique,
	}, log)
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, wrap("open", err)
	}
	log.Debug("postgres store ready")
	return st, nil
}

func postgresIsUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
