package cli

import (
	"flag"
	"fmt"
	"time"
)

func newAddVerCommand() *Command {
	cmd := &Command{
		Name:        "addver",
		Description: "Add or update a package version (ADDVER)",
		Flags:       flag.NewFlagSet("addver", flag.ExitOnError),
		Run:         runAddVer,
	}
	cmd.Flags.String("socket", "", "admin socket path (default "+defaultSocket+")")
	cmd.Flags.String("package", "", "package name")
	cmd.Flags.String("version", "", "version string")
	cmd.Flags.String("released", "", "release timestamp, RFC3339 (default now)")
	cmd.Flags.String("skip", "", "skip reason, blocks this version from future builds")
	cmd.Flags.Bool("unskip", false, "clear any existing skip reason")
	cmd.Flags.Bool("yank", false, "mark this version yanked")
	cmd.Flags.Bool("unyank", false, "clear a prior yank")
	return cmd
}

func runAddVer(args []string) error {
	cmd := newAddVerCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	pkg := cmd.Flags.Lookup("package").Value.String()
	version := cmd.Flags.Lookup("version").Value.String()
	if pkg == "" || version == "" {
		return fmt.Errorf("--package and --version are required")
	}

	released := time.Now().UTC()
	if raw := cmd.Flags.Lookup("released").Value.String(); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fmt.Errorf("--released: %w", err)
		}
		released = parsed
	}

	client := newAdminClient(cmd.Flags.Lookup("socket").Value.String())
	resp, err := client.post("/admin/addver", map[string]any{
		"package":  pkg,
		"version":  version,
		"released": released.Format(time.RFC3339),
		"skip":     cmd.Flags.Lookup("skip").Value.String(),
		"unskip":   cmd.Flags.Lookup("unskip").Value.String() == "true",
		"yank":     cmd.Flags.Lookup("yank").Value.String() == "true",
		"unyank":   cmd.Flags.Lookup("unyank").Value.String() == "true",
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s %s\n", resp["done"], pkg, version)
	return nil
}
