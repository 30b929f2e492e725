// Command localrunner runs a pipeline job against ephemeral storage and Neo4j
// resources and tears them down when the job is done.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/localrunner/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		if !cli.IsReported(err) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
