package cli

import (
	"flag"
	"fmt"
	"strings"
)

func newAddPkgCommand() *Command {
	cmd := &Command{
		Name:        "addpkg",
		Description: "Add or update a package (ADDPKG)",
		Flags:       flag.NewFlagSet("addpkg", flag.ExitOnError),
		Run:         runAddPkg,
	}
	cmd.Flags.String("socket", "", "admin socket path (default "+defaultSocket+")")
	cmd.Flags.String("package", "", "package name")
	cmd.Flags.String("description", "", "package description")
	cmd.Flags.String("skip", "", "skip reason, blocks this package from future builds")
	cmd.Flags.Bool("unskip", false, "clear any existing skip reason")
	cmd.Flags.String("aliases", "", "comma-separated list of alias names")
	return cmd
}

func runAddPkg(args []string) error {
	cmd := newAddPkgCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	pkg := cmd.Flags.Lookup("package").Value.String()
	if pkg == "" {
		return fmt.Errorf("--package is required")
	}

	var aliases []string
	if raw := cmd.Flags.Lookup("aliases").Value.String(); raw != "" {
		aliases = strings.Split(raw, ",")
	}

	client := newAdminClient(cmd.Flags.Lookup("socket").Value.String())
	resp, err := client.post("/admin/addpkg", map[string]any{
		"package":     pkg,
		"description": cmd.Flags.Lookup("description").Value.String(),
		"skip":        cmd.Flags.Lookup("skip").Value.String(),
		"unskip":      cmd.Flags.Lookup("unskip").Value.String() == "true",
		"aliases":     aliases,
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", resp["done"], pkg)
	return nil
}
