package cli

import (
	"flag"
	"fmt"
)

func newRemVerCommand() *Command {
	cmd := &Command{
		Name:        "remver",
		Description: "Remove, skip, or yank a package version (REMVER)",
		Flags:       flag.NewFlagSet("remver", flag.ExitOnError),
		Run:         runRemVer,
	}
	cmd.Flags.String("socket", "", "admin socket path (default "+defaultSocket+")")
	cmd.Flags.String("package", "", "package name")
	cmd.Flags.String("version", "", "version string")
	cmd.Flags.Bool("also-builds", false, "also remove this version's build/file history")
	cmd.Flags.String("skip", "", "skip reason instead of deleting outright")
	cmd.Flags.Bool("yank", false, "yank instead of deleting")
	return cmd
}

func runRemVer(args []string) error {
	cmd := newRemVerCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	pkg := cmd.Flags.Lookup("package").Value.String()
	version := cmd.Flags.Lookup("version").Value.String()
	if pkg == "" || version == "" {
		return fmt.Errorf("--package and --version are required")
	}

	client := newAdminClient(cmd.Flags.Lookup("socket").Value.String())
	resp, err := client.post("/admin/remver", map[string]any{
		"package":     pkg,
		"version":     version,
		"also_builds": cmd.Flags.Lookup("also-builds").Value.String() == "true",
		"skip":        cmd.Flags.Lookup("skip").Value.String(),
		"yank":        cmd.Flags.Lookup("yank").Value.String() == "true",
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s %s\n", resp["done"], pkg, version)
	return nil
}
