package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aseinotegi/dgt-beacon-etl/internal/domain"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	verbose bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "feedcheck",
		Short:         "Inspect DGT DATEX II feeds",
		Long:          "Decode local feed files or fetch the configured DGT sources and report what the sync service would see.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log parser diagnostics to stderr")

	cmd.AddCommand(newParseCommand(opts))
	cmd.AddCommand(newFetchCommand(opts))

	return cmd
}

// logger writes diagnostics to stderr so stdout stays valid JSON.
func (o *rootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// parseDialect accepts a dialect letter, a DATEX version or a source name.
func parseDialect(value string) (domain.Dialect, error) {
	switch v := strings.ToLower(strings.TrimSpace(value)); v {
	case "a", "v36", "3.6":
		return domain.DialectA, nil
	case "b", "v10", "1.0":
		return domain.DialectB, nil
	default:
		if s := domain.Source(v); s.Valid() {
			return domain.DialectFor(s), nil
		}
		return 0, fmt.Errorf("unknown dialect %q: want a, b or a source name", value)
	}
}
