package main

import (
	"context"
	"fmt"
	"os"

	"github.com/melih/mlflow-ami/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand(cli.Options{})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCode(err))
	}
}
