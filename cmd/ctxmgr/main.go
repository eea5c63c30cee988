package main

import (
	"context"
	"fmt"
	"os"

	"github.com/HamiltonHausTech/ai-context-manager/internal/cli"
)

func main() {
	if err := cli.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err.Message)
		os.Exit(err.Code)
	}
}
