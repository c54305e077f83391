// Package cli implements the administrative command line: index syncing,
// forced rebuilds and recompiles, environment capture, offline requirement
// compilation and catalog bootstrapping.
package cli

import (
	"flag"
	"fmt"
	"os"
	"sort"
)

// Command represents a CLI command.
type Command struct {
	Name        string
	Description string
	Run         func(args []string) error
	Subcommands map[string]*Command
}

// NewRootCommand creates the root command with every subcommand attached.
func NewRootCommand() *Command {
	root := &Command{
		Name:        "wheelsproxy",
		Description: "wheelsproxy - administrative tasks",
		Subcommands: make(map[string]*Command),
	}

	root.Subcommands["sync-index"] = newSyncIndexCommand()
	root.Subcommands["sync-package"] = newSyncPackageCommand()
	root.Subcommands["compile-reqs"] = newCompileReqsCommand()
	root.Subcommands["rebuild"] = newRebuildCommand()
	root.Subcommands["recompile"] = newRecompileCommand()
	root.Subcommands["capture-env"] = newCaptureEnvCommand()
	root.Subcommands["bootstrap"] = newBootstrapCommand()

	return root
}

// Execute dispatches to a subcommand.
func (c *Command) Execute() error {
	args := os.Args[1:]
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		return c.usage()
	}
	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Run(args[1:])
	}
	return fmt.Errorf("unknown command: %s", args[0])
}

func (c *Command) usage() error {
	fmt.Printf("Usage: %s <command> [args]\n\nCommands:\n", c.Name)
	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-14s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	return fs
}
