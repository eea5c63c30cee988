// Package cli implements the ctxmgr command line.
package cli

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/urfave/cli/v3"
)

// Error carries the process exit code.
type Error struct {
	Code    int
	Message string
}

// Run executes the command line in argv.
func Run(ctx context.Context, argv []string) *Error {
	if err := newRoot(os.Stdout).Run(ctx, argv); err != nil {
		return &Error{Code: 1, Message: err.Error()}
	}
	return nil
}

func newRoot(w io.Writer) *cli.Command {
	return &cli.Command{
		Name:   "ctxmgr",
		Usage:  "Token-budgeted context assembly for AI agents",
		Writer: w,
		Commands: []*cli.Command{
			serveCommand(),
			mcpCommand(),
			assembleCommand(),
			addCommand(),
			feedbackCommand(),
			recordCommand(),
			searchCommand(),
			statsCommand(),
			goalsCommand(),
		},
	}
}

func printJSON(c *cli.Command, v any) error {
	enc := json.NewEncoder(c.Root().Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
