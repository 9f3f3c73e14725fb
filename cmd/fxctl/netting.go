package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/fxdesk/fxdesk/internal/netting"
)

var printer = message.NewPrinter(language.English)

type availableCmd struct{}

func (*availableCmd) Name() string     { return "available" }
func (*availableCmd) Synopsis() string { return "show the unmatched USD amount of an operation" }
func (*availableCmd) Usage() string {
	return `fxctl available <operation-id>

  Prints the operation amount, the USD consumed by active matches and what remains.
`
}
func (*availableCmd) SetFlags(*flag.FlagSet) {}

func (c *availableCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	env := envFrom(args)
	ids, err := parseIDs(f.Args(), 1)
	if err != nil {
		fmt.Fprintf(env.stderr, "Error: %v\n%s", err, c.Usage())
		return subcommands.ExitUsageError
	}
	return env.run(ctx, func(ctx context.Context) error {
		avail, err := env.netting.Available(ctx, ids[0])
		if err != nil {
			return err
		}
		md := fmt.Sprintf("# Operation %d\n\n| Leg | Amount USD | Matched USD | Available USD |\n|---|---:|---:|---:|\n| %s | %s | %s | %s |\n",
			avail.OperationID, orDash(string(avail.Leg)), avail.AmountUSD.StringFixed(2), avail.MatchedUSD.StringFixed(2), avail.Available.StringFixed(2))
		return env.emit(avail, md)
	})
}

type matchCmd struct {
	buy, sell int64
	amount    string
	notes     string
}

func (*matchCmd) Name() string     { return "match" }
func (*matchCmd) Synopsis() string { return "link a buy operation with a sell operation" }
func (*matchCmd) Usage() string {
	return `fxctl match -buy <id> -sell <id> -amount <usd> [-notes <text>]
`
}

func (c *matchCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.buy, "buy", 0, "buy operation id")
	f.Int64Var(&c.sell, "sell", 0, "sell operation id")
	f.StringVar(&c.amount, "amount", "", "matched amount in USD, at most two decimals")
	f.StringVar(&c.notes, "notes", "", "free-form notes")
}

func (c *matchCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	env := envFrom(args)
	amount, err := decimal.NewFromString(c.amount)
	if err != nil {
		fmt.Fprintf(env.stderr, "Error: invalid -amount %q\n", c.amount)
		return subcommands.ExitUsageError
	}
	return env.run(ctx, func(ctx context.Context) error {
		m, err := env.netting.CreateMatch(ctx, netting.CreateMatchInput{
			BuyOperationID:  c.buy,
			SellOperationID: c.sell,
			AmountUSD:       amount,
			Notes:           c.notes,
			ActorID:         env.actorID,
		})
		if err != nil {
			return err
		}
		return env.emit(m, "# Match created\n\n"+matchTable([]netting.Match{m}))
	})
}

type voidMatchCmd struct {
	reason string
}

func (*voidMatchCmd) Name() string     { return "void-match" }
func (*voidMatchCmd) Synopsis() string { return "void a match and restore its availability" }
func (*voidMatchCmd) Usage() string {
	return `fxctl void-match [-reason <text>] <match-id>
`
}

func (c *voidMatchCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.reason, "reason", "", "reason recorded in the audit log")
}

func (c *voidMatchCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	env := envFrom(args)
	ids, err := parseIDs(f.Args(), 1)
	if err != nil {
		fmt.Fprintf(env.stderr, "Error: %v\n%s", err, c.Usage())
		return subcommands.ExitUsageError
	}
	return env.run(ctx, func(ctx context.Context) error {
		m, err := env.netting.VoidMatch(ctx, netting.VoidMatchInput{MatchID: ids[0], ActorID: env.actorID, Reason: c.reason})
		if err != nil {
			return err
		}
		return env.emit(m, "# Match voided\n\n"+matchTable([]netting.Match{m}))
	})
}

type batchCmd struct {
	date        string
	description string
	notes       string
}

func (*batchCmd) Name() string     { return "batch" }
func (*batchCmd) Synopsis() string { return "net a set of active matches into a new batch" }
func (*batchCmd) Usage() string {
	return `fxctl batch [-date YYYY-MM-DD] [-description <text>] <match-id>...
`
}

func (c *batchCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.date, "date", "", "netting date (defaults to today)")
	f.StringVar(&c.description, "description", "", "batch description")
	f.StringVar(&c.notes, "notes", "", "free-form notes")
}

func (c *batchCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	env := envFrom(args)
	ids, err := parseIDs(f.Args(), -1)
	if err != nil {
		fmt.Fprintf(env.stderr, "Error: %v\n%s", err, c.Usage())
		return subcommands.ExitUsageError
	}
	date := time.Now().UTC().Truncate(24 * time.Hour)
	if c.date != "" {
		if date, err = time.Parse("2006-01-02", c.date); err != nil {
			fmt.Fprintf(env.stderr, "Error: invalid -date %q\n", c.date)
			return subcommands.ExitUsageError
		}
	}
	return env.run(ctx, func(ctx context.Context) error {
		b, err := env.netting.CreateBatch(ctx, netting.CreateBatchInput{
			MatchIDs:    ids,
			Description: c.description,
			NettingDate: date,
			Notes:       c.notes,
			ActorID:     env.actorID,
		})
		if err != nil {
			return err
		}
		return env.emit(b, batchMarkdown(b))
	})
}

type closeBatchCmd struct{}

func (*closeBatchCmd) Name() string     { return "close-batch" }
func (*closeBatchCmd) Synopsis() string { return "close an open batch" }
func (*closeBatchCmd) Usage() string {
	return `fxctl close-batch <batch-id>
`
}
func (*closeBatchCmd) SetFlags(*flag.FlagSet) {}

func (c *closeBatchCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	env := envFrom(args)
	ids, err := parseIDs(f.Args(), 1)
	if err != nil {
		fmt.Fprintf(env.stderr, "Error: %v\n%s", err, c.Usage())
		return subcommands.ExitUsageError
	}
	return env.run(ctx, func(ctx context.Context) error {
		b, err := env.netting.CloseBatch(ctx, netting.CloseBatchInput{BatchID: ids[0], ActorID: env.actorID})
		if err != nil {
			return err
		}
		return env.emit(b, batchMarkdown(b))
	})
}

type voidBatchCmd struct {
	reason string
}

func (*voidBatchCmd) Name() string     { return "void-batch" }
func (*voidBatchCmd) Synopsis() string { return "void an open batch, freezing its totals" }
func (*voidBatchCmd) Usage() string {
	return `fxctl void-batch [-reason <text>] <batch-id>
`
}

func (c *voidBatchCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.reason, "reason", "", "reason recorded in the audit log")
}

func (c *voidBatchCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	env := envFrom(args)
	ids, err := parseIDs(f.Args(), 1)
	if err != nil {
		fmt.Fprintf(env.stderr, "Error: %v\n%s", err, c.Usage())
		return subcommands.ExitUsageError
	}
	return env.run(ctx, func(ctx context.Context) error {
		b, err := env.netting.VoidBatch(ctx, netting.VoidBatchInput{BatchID: ids[0], ActorID: env.actorID, Reason: c.reason})
		if err != nil {
			return err
		}
		return env.emit(b, batchMarkdown(b))
	})
}

type journalCmd struct{}

func (*journalCmd) Name() string     { return "journal" }
func (*journalCmd) Synopsis() string { return "print the accounting entry of a batch" }
func (*journalCmd) Usage() string {
	return `fxctl journal <batch-id>
`
}
func (*journalCmd) SetFlags(*flag.FlagSet) {}

func (c *journalCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	env := envFrom(args)
	ids, err := parseIDs(f.Args(), 1)
	if err != nil {
		fmt.Fprintf(env.stderr, "Error: %v\n%s", err, c.Usage())
		return subcommands.ExitUsageError
	}
	return env.run(ctx, func(ctx context.Context) error {
		b, err := env.netting.GetBatch(ctx, ids[0])
		if err != nil {
			return err
		}
		return env.emit(b.AccountingEntry, fmt.Sprintf("# %s journal\n\n%s", b.Code, entryTable(b.AccountingEntry)))
	})
}

// parseIDs reads positive integer ids; want < 0 accepts one or more.
func parseIDs(args []string, want int) ([]int64, error) {
	if want >= 0 && len(args) != want {
		return nil, fmt.Errorf("expected %d id argument(s), got %d", want, len(args))
	}
	if len(args) == 0 {
		return nil, errors.New("at least one id is required")
	}
	ids := make([]int64, 0, len(args))
	for _, raw := range args {
		for _, part := range strings.Split(raw, ",") {
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil || id <= 0 {
				return nil, fmt.Errorf("invalid id %q", part)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func matchTable(matches []netting.Match) string {
	var b strings.Builder
	b.WriteString("| ID | Buy | Sell | Amount USD | Buy rate | Sell rate | Profit PEN | % | Status | Batch |\n")
	b.WriteString("|---:|---:|---:|---:|---:|---:|---:|---:|---|---:|\n")
	for _, m := range matches {
		batch := "-"
		if m.BatchID != nil {
			batch = strconv.FormatInt(*m.BatchID, 10)
		}
		fmt.Fprintf(&b, "| %d | %d | %d | %s | %s | %s | %s | %s | %s | %s |\n",
			m.ID, m.BuyOperationID, m.SellOperationID, m.MatchedAmountUSD.StringFixed(2),
			m.BuyExchangeRate.String(), m.SellExchangeRate.String(), m.ProfitPEN.StringFixed(2),
			m.ProfitPercentage.StringFixed(4), m.Status, batch)
	}
	return b.String()
}

func batchMarkdown(b netting.Batch) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s (%s)\n\n", b.Code, b.Status)
	if b.Description != "" {
		fmt.Fprintf(&sb, "%s\n\n", b.Description)
	}
	t := b.Totals
	sb.WriteString(printer.Sprintf("Netting date %s, %d matches over %d buy and %d sell operations.\n\n",
		b.NettingDate.Format("2006-01-02"), t.NumMatches, t.NumBuyOperations, t.NumSellOperations))
	sb.WriteString("| | USD | PEN | Avg rate |\n|---|---:|---:|---:|\n")
	fmt.Fprintf(&sb, "| Buys | %s | %s | %s |\n", t.TotalBuysUSD.StringFixed(2), t.TotalBuysPEN.StringFixed(2), t.AvgBuyRate.StringFixed(6))
	fmt.Fprintf(&sb, "| Sells | %s | %s | %s |\n", t.TotalSellsUSD.StringFixed(2), t.TotalSellsPEN.StringFixed(2), t.AvgSellRate.StringFixed(6))
	fmt.Fprintf(&sb, "| Difference | %s | | |\n", t.DifferenceUSD.StringFixed(2))
	fmt.Fprintf(&sb, "| Profit | | %s | |\n\n", t.TotalProfitPEN.StringFixed(2))
	sb.WriteString("## Accounting entry\n\n")
	sb.WriteString(entryTable(b.AccountingEntry))
	return sb.String()
}

func entryTable(lines []netting.LedgerLine) string {
	if len(lines) == 0 {
		return "_No lines._\n"
	}
	var sb strings.Builder
	sb.WriteString("| Account | Debit | Credit | Memo |\n|---|---:|---:|---|\n")
	for _, l := range lines {
		fmt.Fprintf(&sb, "| %s | %s | %s | %s |\n", l.Account, l.Debit.StringFixed(2), l.Credit.StringFixed(2), l.Memo)
	}
	debit, credit := netting.EntryTotals(lines)
	fmt.Fprintf(&sb, "| **Total** | **%s** | **%s** | |\n", debit.StringFixed(2), credit.StringFixed(2))
	return sb.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
