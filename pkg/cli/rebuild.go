package cli

import (
	"flag"
	"fmt"
)

// rebuildParts maps the operator-facing --part name to the
// catalog.RewriteCommand adminendpoint's REBUILD expects, following
// original_source/piwheels/rebuild/__init__.py's 'home'/'search'/
// 'project'/'index' vocabulary.
var rebuildParts = map[string]string{
	"home":    "HOME",
	"search":  "SEARCH",
	"project": "PROJECT",
	"index":   "BOTH",
}

func newRebuildCommand() *Command {
	cmd := &Command{
		Name:        "rebuild",
		Description: "Force a page rewrite (REBUILD)",
		Flags:       flag.NewFlagSet("rebuild", flag.ExitOnError),
		Run:         runRebuild,
	}
	cmd.Flags.String("socket", "", "admin socket path (default "+defaultSocket+")")
	cmd.Flags.String("part", "", "one of home, search, project, index")
	cmd.Flags.String("package", "", "package name for part=project (omit for all packages)")
	return cmd
}

func runRebuild(args []string) error {
	cmd := newRebuildCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	part := cmd.Flags.Lookup("part").Value.String()
	mapped, ok := rebuildParts[part]
	if !ok {
		return fmt.Errorf("--part must be one of home, search, project, index")
	}

	client := newAdminClient(cmd.Flags.Lookup("socket").Value.String())
	resp, err := client.post("/admin/rebuild", map[string]any{
		"part":    mapped,
		"package": cmd.Flags.Lookup("package").Value.String(),
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", resp["done"], part)
	return nil
}
