// Command pokecode is the single-binary entry point for the local
// orchestration daemon: a thin CLI (serve/stop/status/migrate) over the
// composition root in provide.go.
package main

import (
	"fmt"
	"os"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: pokecode <serve|stop|status|migrate>")
		return 2
	}

	switch args[0] {
	case "serve":
		return cmdServe()
	case "stop":
		return cmdStop()
	case "status":
		return cmdStatus()
	case "migrate":
		return cmdMigrate()
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		return 2
	}
}
