package cli

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/piwheels/master/pkg/catalog"
)

// importRequest mirrors pkg/adminendpoint's own importRequest shape, read
// from a local JSON file so build history can be back-filled without a
// real build (§4.10 IMPORT).
type importRequest struct {
	Build catalog.Build  `json:"build"`
	Files []catalog.File `json:"files"`
}

func newImportCommand() *Command {
	cmd := &Command{
		Name:        "import",
		Description: "Back-fill a build and its files without running one (IMPORT)",
		Flags:       flag.NewFlagSet("import", flag.ExitOnError),
		Run:         runImport,
	}
	cmd.Flags.String("socket", "", "admin socket path (default "+defaultSocket+")")
	cmd.Flags.String("file", "", "path to a JSON file with {build, files}")
	return cmd
}

func runImport(args []string) error {
	cmd := newImportCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	path := cmd.Flags.Lookup("file").Value.String()
	if path == "" {
		return fmt.Errorf("--file is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var req importRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if req.Build.Package == "" {
		return fmt.Errorf("%s: build.package is required", path)
	}

	client := newAdminClient(cmd.Flags.Lookup("socket").Value.String())
	resp, err := client.post("/admin/import", req)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s %s (%d files)\n", resp["done"], req.Build.Package, req.Build.Version, len(req.Files))
	return nil
}
