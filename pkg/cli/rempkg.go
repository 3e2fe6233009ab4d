package cli

import (
	"flag"
	"fmt"
)

func newRemPkgCommand() *Command {
	cmd := &Command{
		Name:        "rempkg",
		Description: "Remove or skip a package (REMPKG)",
		Flags:       flag.NewFlagSet("rempkg", flag.ExitOnError),
		Run:         runRemPkg,
	}
	cmd.Flags.String("socket", "", "admin socket path (default "+defaultSocket+")")
	cmd.Flags.String("package", "", "package name")
	cmd.Flags.Bool("also-builds", false, "also remove the package's build/file history")
	cmd.Flags.String("skip", "", "skip reason instead of deleting outright")
	return cmd
}

func runRemPkg(args []string) error {
	cmd := newRemPkgCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	pkg := cmd.Flags.Lookup("package").Value.String()
	if pkg == "" {
		return fmt.Errorf("--package is required")
	}

	client := newAdminClient(cmd.Flags.Lookup("socket").Value.String())
	resp, err := client.post("/admin/rempkg", map[string]any{
		"package":     pkg,
		"also_builds": cmd.Flags.Lookup("also-builds").Value.String() == "true",
		"skip":        cmd.Flags.Lookup("skip").Value.String(),
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", resp["done"], pkg)
	return nil
}
