// Command fxctl operates the netting ledger from a terminal, against PostgreSQL or a
// local SQLite file.
package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/google/subcommands"
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(commander.CommandsCommand(), "")

	env := &environment{}
	env.setFlags(flag.CommandLine)

	for _, c := range commands {
		commander.Register(c, "netting")
	}
	commander.Register(&importCmd{}, "data")
	commander.Register(&migrateCmd{}, "data")
	commander.Register(&enqueueCmd{}, "jobs")

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background(), env)))
}

var commands = []subcommands.Command{
	&availableCmd{},
	&matchCmd{},
	&voidMatchCmd{},
	&batchCmd{},
	&closeBatchCmd{},
	&voidBatchCmd{},
	&journalCmd{},
	&reportCmd{},
	&integrityCmd{},
}
