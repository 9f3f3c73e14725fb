package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/google/subcommands"

	"github.com/fxdesk/fxdesk/internal/netting"
	"github.com/fxdesk/fxdesk/internal/netting/reports"
	"github.com/fxdesk/fxdesk/internal/platform/db"
	"github.com/fxdesk/fxdesk/internal/platform/sqlite"
	"github.com/fxdesk/fxdesk/internal/shared"
)

// environment holds the global flags and the backends opened from them.
type environment struct {
	dsn     string
	sqlite  string
	actorID int64
	json    bool
	plain   bool

	stdout io.Writer
	stderr io.Writer

	netting *netting.Service
	reports *reports.Service
	local   *netting.SQLiteRepository
	closers []func()
}

func (e *environment) setFlags(f *flag.FlagSet) {
	f.StringVar(&e.dsn, "dsn", os.Getenv("PG_DSN"), "PostgreSQL DSN (defaults to $PG_DSN)")
	f.StringVar(&e.sqlite, "sqlite", "", "path to a local SQLite ledger; takes precedence over -dsn")
	f.Int64Var(&e.actorID, "actor", 1, "actor id recorded on mutations")
	f.BoolVar(&e.json, "json", false, "print JSON instead of formatted tables")
	f.BoolVar(&e.plain, "plain", false, "print raw markdown without terminal styling")
}

func envFrom(args []interface{}) *environment {
	e := args[0].(*environment)
	if e.stdout == nil {
		e.stdout = os.Stdout
	}
	if e.stderr == nil {
		e.stderr = os.Stderr
	}
	return e
}

// open connects the selected backend and builds the services.
func (e *environment) open(ctx context.Context) error {
	if e.netting != nil {
		return nil
	}
	logger := slog.New(slog.NewTextHandler(e.stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	reportCache := reports.NewLocalCache(time.Minute)

	var repo netting.Repository
	var audit netting.AuditPort
	switch {
	case e.sqlite != "":
		sqldb, err := sqlite.Open(e.sqlite)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, func() { _ = sqldb.Close() })
		e.local = netting.NewSQLiteRepository(sqldb)
		repo = e.local
		audit = sqlite.NewAuditLogger(sqldb)
	case e.dsn != "":
		pool, err := db.New(ctx, e.dsn)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, pool.Close)
		repo = netting.NewPostgresRepository(pool)
		audit = shared.NewAuditLogger(pool)
	default:
		return errors.New("either -sqlite or -dsn is required")
	}

	e.reports = reports.NewService(repo, reportCache)
	e.netting = netting.NewService(repo, audit, netting.ServiceConfig{Logger: logger, Cache: e.reports})
	return nil
}

func (e *environment) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
	e.netting, e.reports, e.local = nil, nil, nil
}

// run opens the backend, executes fn and maps its error to an exit status.
func (e *environment) run(ctx context.Context, fn func(context.Context) error) subcommands.ExitStatus {
	if err := e.open(ctx); err != nil {
		fmt.Fprintf(e.stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	defer e.close()
	if err := fn(ctx); err != nil {
		fmt.Fprintf(e.stderr, "Error: %v\n", err)
		if errors.Is(err, netting.ErrValidation) {
			return subcommands.ExitUsageError
		}
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// emit prints v as JSON when -json is set, otherwise renders md.
func (e *environment) emit(v any, md string) error {
	if e.json {
		enc := json.NewEncoder(e.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	if e.plain {
		_, err := io.WriteString(e.stdout, md)
		return err
	}
	renderer, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(120))
	if err != nil {
		return err
	}
	out, err := renderer.Render(md)
	if err != nil {
		return err
	}
	_, err = io.WriteString(e.stdout, out)
	return err
}
