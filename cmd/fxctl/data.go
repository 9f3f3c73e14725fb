package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"

	"github.com/fxdesk/fxdesk/internal/netting"
	"github.com/fxdesk/fxdesk/internal/platform/db"
)

type importCmd struct{}

func (*importCmd) Name() string     { return "import-operations" }
func (*importCmd) Synopsis() string { return "load operations from CSV into a SQLite ledger" }
func (*importCmd) Usage() string {
	return `fxctl -sqlite <file> import-operations <file.csv|->

  Columns: id,type,amount_usd,amount_pen,exchange_rate,client_id,status,completed_at
  completed_at is RFC 3339 and may be empty. A header row is skipped. Existing ids are
  refreshed unless they are COMPLETED or matched, which only accept identical rows.
`
}
func (*importCmd) SetFlags(*flag.FlagSet) {}

func (c *importCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	env := envFrom(args)
	if env.sqlite == "" || f.NArg() != 1 {
		fmt.Fprint(env.stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	var in io.Reader = os.Stdin
	if name := f.Arg(0); name != "-" {
		file, err := os.Open(name)
		if err != nil {
			fmt.Fprintf(env.stderr, "Error: %v\n", err)
			return subcommands.ExitFailure
		}
		defer file.Close()
		in = file
	}
	return env.run(ctx, func(ctx context.Context) error {
		ops, err := readOperations(in)
		if err != nil {
			return err
		}
		for _, op := range ops {
			if err := env.local.SaveOperation(ctx, op); err != nil {
				return fmt.Errorf("operation %d: %w", op.ID, err)
			}
		}
		fmt.Fprint(env.stdout, printer.Sprintf("imported %d operations\n", len(ops)))
		return nil
	})
}

func readOperations(r io.Reader) ([]netting.Operation, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 8
	reader.TrimLeadingSpace = true
	var ops []netting.Operation
	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return ops, nil
		}
		if err != nil {
			return nil, err
		}
		if line == 1 && strings.EqualFold(record[0], "id") {
			continue
		}
		op, err := parseOperation(record)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ops = append(ops, op)
	}
}

func parseOperation(record []string) (netting.Operation, error) {
	var op netting.Operation
	var err error
	if op.ID, err = strconv.ParseInt(record[0], 10, 64); err != nil || op.ID <= 0 {
		return op, fmt.Errorf("invalid id %q", record[0])
	}
	op.Type = netting.OperationType(strings.ToUpper(record[1]))
	if op.Type != netting.OperationTypeBuy && op.Type != netting.OperationTypeSell {
		return op, fmt.Errorf("invalid type %q", record[1])
	}
	amounts := []*decimal.Decimal{&op.AmountUSD, &op.AmountPEN, &op.ExchangeRate}
	for i, dst := range amounts {
		if *dst, err = decimal.NewFromString(record[2+i]); err != nil {
			return op, fmt.Errorf("invalid amount %q", record[2+i])
		}
	}
	if op.AmountUSD.IsNegative() || op.AmountPEN.IsNegative() {
		return op, fmt.Errorf("negative amount in %q", strings.Join(record[2:4], ","))
	}
	if !op.ExchangeRate.IsPositive() {
		return op, fmt.Errorf("exchange_rate must be positive, got %q", record[4])
	}
	if op.ClientID, err = strconv.ParseInt(record[5], 10, 64); err != nil {
		return op, fmt.Errorf("invalid client_id %q", record[5])
	}
	op.Status = netting.OperationStatus(strings.ToUpper(record[6]))
	switch op.Status {
	case netting.OperationStatusPending, netting.OperationStatusCompleted, netting.OperationStatusCancelled:
	default:
		return op, fmt.Errorf("invalid status %q", record[6])
	}
	if record[7] != "" {
		at, err := time.Parse(time.RFC3339, record[7])
		if err != nil {
			return op, fmt.Errorf("invalid completed_at %q", record[7])
		}
		op.CompletedAt = &at
	}
	return op, nil
}

type migrateCmd struct {
	down int
}

func (*migrateCmd) Name() string     { return "migrate" }
func (*migrateCmd) Synopsis() string { return "apply or roll back PostgreSQL migrations" }
func (*migrateCmd) Usage() string {
	return `fxctl -dsn <dsn> migrate [-down N]
`
}

func (c *migrateCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.down, "down", 0, "roll back N migrations instead of applying")
}

func (c *migrateCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	env := envFrom(args)
	if env.dsn == "" {
		fmt.Fprint(env.stderr, "Error: -dsn is required\n")
		return subcommands.ExitUsageError
	}
	logger := slog.New(slog.NewTextHandler(env.stderr, nil))
	var err error
	if c.down > 0 {
		err = db.MigrateDown(env.dsn, c.down, logger)
	} else {
		err = db.Migrate(env.dsn, logger)
	}
	if err != nil {
		fmt.Fprintf(env.stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
