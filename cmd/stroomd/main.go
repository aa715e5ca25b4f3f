// Command stroomd is the operator tool for a stroom deployment: schema
// setup, pause/resume, process listings, and task log cleanup against
// the shared database.
package main

import (
	"os"

	"github.com/stroomnet/stroom/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
