package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/subcommands"
	"github.com/hibiken/asynq"

	"github.com/fxdesk/fxdesk/internal/netting/reports"
	"github.com/fxdesk/fxdesk/jobs"
)

type reportCmd struct {
	by       string
	from, to string
}

func (*reportCmd) Name() string     { return "report" }
func (*reportCmd) Synopsis() string { return "realised profit by operation or by client" }
func (*reportCmd) Usage() string {
	return `fxctl report [-by operation|client] [-from YYYY-MM-DD] [-to YYYY-MM-DD]

  Both bounds are inclusive and filter on match creation date.
`
}

func (c *reportCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.by, "by", "operation", "group by operation or client")
	f.StringVar(&c.from, "from", "", "first day included")
	f.StringVar(&c.to, "to", "", "last day included")
}

func (c *reportCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	env := envFrom(args)
	filter, err := parseDateRange(c.from, c.to)
	if err != nil {
		fmt.Fprintf(env.stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	switch c.by {
	case "operation":
		return env.run(ctx, func(ctx context.Context) error {
			rows, err := env.reports.ProfitByOperation(ctx, filter)
			if err != nil {
				return err
			}
			var sb strings.Builder
			sb.WriteString("# Profit by operation\n\n| Operation | Type | Client | Profit PEN | Matches |\n|---:|---|---:|---:|---:|\n")
			for _, r := range rows {
				fmt.Fprintf(&sb, "| %d | %s | %d | %s | %d |\n", r.OperationID, r.Type, r.ClientID, r.ProfitPEN.StringFixed(2), r.NumMatches)
			}
			sb.WriteString(printer.Sprintf("\n%d operations.\n", len(rows)))
			return env.emit(rows, sb.String())
		})
	case "client":
		return env.run(ctx, func(ctx context.Context) error {
			rows, err := env.reports.ProfitByClient(ctx, filter)
			if err != nil {
				return err
			}
			var sb strings.Builder
			sb.WriteString("# Profit by client\n\n| Client | Profit PEN | Operations |\n|---:|---:|---:|\n")
			for _, r := range rows {
				fmt.Fprintf(&sb, "| %d | %s | %d |\n", r.ClientID, r.ProfitPEN.StringFixed(2), r.NumOperations)
			}
			sb.WriteString(printer.Sprintf("\n%d clients.\n", len(rows)))
			return env.emit(rows, sb.String())
		})
	default:
		fmt.Fprintf(env.stderr, "Error: -by must be operation or client\n")
		return subcommands.ExitUsageError
	}
}

func parseDateRange(from, to string) (reports.Filter, error) {
	var filter reports.Filter
	if from != "" {
		t, err := time.Parse("2006-01-02", from)
		if err != nil {
			return reports.Filter{}, fmt.Errorf("invalid -from %q", from)
		}
		filter.From = t
	}
	if to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			return reports.Filter{}, fmt.Errorf("invalid -to %q", to)
		}
		filter.To = t.AddDate(0, 0, 1)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		return reports.Filter{}, fmt.Errorf("-from must not be after -to")
	}
	return filter, nil
}

type integrityCmd struct {
	batches string
}

func (*integrityCmd) Name() string     { return "integrity" }
func (*integrityCmd) Synopsis() string { return "recompute batches and compare with stored totals" }
func (*integrityCmd) Usage() string {
	return `fxctl integrity [-batches 1,2,3]

  Exits non-zero when any batch fails verification.
`
}

func (c *integrityCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.batches, "batches", "", "comma separated batch ids (defaults to every open and closed batch)")
}

func (c *integrityCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	env := envFrom(args)
	var payload jobs.IntegrityPayload
	if c.batches != "" {
		ids, err := parseIDs([]string{c.batches}, -1)
		if err != nil {
			fmt.Fprintf(env.stderr, "Error: %v\n", err)
			return subcommands.ExitUsageError
		}
		payload.BatchIDs = ids
	}
	var violations int
	status := env.run(ctx, func(ctx context.Context) error {
		logger := slog.New(slog.NewTextHandler(env.stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
		report, err := jobs.NewIntegrityJob(env.netting, nil, logger, nil).Run(ctx, payload)
		if err != nil {
			return err
		}
		violations = len(report.Violations)
		var sb strings.Builder
		sb.WriteString(printer.Sprintf("# Integrity\n\n%d batches checked, %d violations.\n\n", report.Checked, violations))
		if violations > 0 {
			sb.WriteString("| Batch | Code | Status | Detail |\n|---:|---|---|---|\n")
			for _, v := range report.Violations {
				fmt.Fprintf(&sb, "| %d | %s | %s | %s |\n", v.BatchID, v.BatchCode, v.Status, v.Detail)
			}
		}
		return env.emit(report, sb.String())
	})
	if status == subcommands.ExitSuccess && violations > 0 {
		return subcommands.ExitFailure
	}
	return status
}

type enqueueCmd struct {
	redis string
}

func (*enqueueCmd) Name() string     { return "enqueue-integrity" }
func (*enqueueCmd) Synopsis() string { return "queue an integrity run on the worker" }
func (*enqueueCmd) Usage() string {
	return `fxctl enqueue-integrity [-redis host:port]
`
}

func (c *enqueueCmd) SetFlags(f *flag.FlagSet) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	f.StringVar(&c.redis, "redis", addr, "Redis address used by the worker")
}

func (c *enqueueCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	env := envFrom(args)
	client, err := jobs.NewClient(asynq.RedisClientOpt{Addr: c.redis})
	if err != nil {
		fmt.Fprintf(env.stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	defer client.Close()
	info, err := client.EnqueueIntegrity(ctx, jobs.IntegrityPayload{})
	if err != nil {
		fmt.Fprintf(env.stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Fprintf(env.stdout, "enqueued %s on %s as %s\n", info.Type, info.Queue, info.ID)
	return subcommands.ExitSuccess
}
