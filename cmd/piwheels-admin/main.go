// Command piwheels-admin is the operator CLI for the piwheels build
// master: it dials pkg/adminendpoint's Unix socket and issues one of the
// §4.10 admin verbs per invocation.
package main

import (
	"fmt"
	"os"

	"github.com/piwheels/master/pkg/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "piwheels-admin:", err)
		os.Exit(1)
	}
}
