// Actifix is an automated error tracking and remediation service: it
// captures runtime errors as deduplicated tickets, throttles noise, and
// dispatches fixes through a chain of AI providers.
package main

import (
	"os"

	"github.com/arctek/actifix/internal/cli"
)

var version = "dev"

func main() {
	cli.Version = version
	os.Exit(cli.Run(os.Args[1:], os.Stdout, os.Stderr))
}
