package cli

import "testing"

func TestNewRootCommandRegistersEveryAdminVerb(t *testing.T) {
	root := NewRootCommand()
	for _, name := range []string{"addpkg", "addver", "rempkg", "remver", "rebuild", "import"} {
		if _, ok := root.Subcommands[name]; !ok {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestRootAddPkgSubcommandRejectsEmptyPackage(t *testing.T) {
	root := NewRootCommand()
	err := root.Subcommands["addpkg"].Run([]string{"--package", ""})
	if err == nil {
		t.Fatal("expected error for empty --package")
	}
}
