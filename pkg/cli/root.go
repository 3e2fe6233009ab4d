// Package cli implements the piwheels-admin command line, one subcommand
// per §4.10 admin verb (ADDPKG, ADDVER, REMPKG, REMVER, REBUILD, IMPORT),
// each a thin JSON client of pkg/adminendpoint's Unix-socket HTTP
// surface. Kept in the teacher's hand-rolled flag.FlagSet Command shape
// (pkg/cli/root.go) rather than adopting a framework, since that is
// exactly what the teacher itself uses for this concern.
package cli

import (
	"flag"
	"fmt"
	"os"
)

// Command represents a CLI command.
type Command struct {
	Name        string
	Description string
	Run         func(args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet
}

// NewRootCommand creates the root command.
func NewRootCommand() *Command {
	root := &Command{
		Name:        "piwheels-admin",
		Description: "piwheels-admin - operator CLI for the piwheels build master",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("piwheels-admin", flag.ExitOnError),
	}

	root.Subcommands["addpkg"] = newAddPkgCommand()
	root.Subcommands["addver"] = newAddVerCommand()
	root.Subcommands["rempkg"] = newRemPkgCommand()
	root.Subcommands["remver"] = newRemVerCommand()
	root.Subcommands["rebuild"] = newRebuildCommand()
	root.Subcommands["import"] = newImportCommand()

	return root
}

// Execute runs the command.
func (c *Command) Execute() error {
	args := os.Args[1:]
	if len(args) == 0 {
		return c.usage()
	}

	if args[0] == "-h" || args[0] == "--help" {
		return c.usage()
	}

	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Run(args[1:])
	}

	return fmt.Errorf("unknown command: %s", args[0])
}

// usage prints the command usage.
func (c *Command) usage() error {
	fmt.Printf("Usage: %s <command> [args]\n\n", c.Name)
	fmt.Printf("Commands:\n")
	for name, cmd := range c.Subcommands {
		fmt.Printf("  %-10s %s\n", name, cmd.Description)
	}
	return nil
}
