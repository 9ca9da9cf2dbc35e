package storage

import (
	"fmt"
	logx "recurd/pkg/logx"
	"strings"
)

type opener func(cfg Config, log logx.Logger) (Store, error)

// drivers maps every accepted driver name, aliases included, to its opener.
var drivers = map[string]opener{
	"memory":     func(Config, logx.Logger) (Store, error) { return NewMemory(), nil },
	"mem":        func(Config, logx.Logger) (Store, error) { return NewMemory(), nil },
	"file":       openFile,
	"sqlite":     openSQLite,
	"sqlite3":    openSQLite,
	"postgres":   openPostgres,
	"postgresql": openPostgres,
	"pgx":        openPostgres,
}

// Open connects the store named by cfg.Driver. An empty driver or "none"
// returns ErrDisabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" || name == "none" {
		return nil, ErrDisabled
	}
	open, ok := drivers[name]
	if !ok {
		return nil, &Error{Op: "open", Err: fmt.Errorf("unknown storage driver %q", name)}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return open(cfg, log.With(logx.String("driver", name)))
}
