// Command screentrail records, annotates and submits screen-snapshot sessions.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"screentrail/internal/cli"
)

func main() {
	// A missing .env is fine; the environment and config file still apply.
	_ = godotenv.Load()

	deps := cli.NewDependencies()
	root := cli.NewRootCmd(deps)
	err := root.ExecuteContext(context.Background())
	if closeErr := deps.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
