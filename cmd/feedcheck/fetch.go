package main

import (
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/aseinotegi/dgt-beacon-etl/internal/adapter/feed"
	"github.com/aseinotegi/dgt-beacon-etl/internal/config"
	"github.com/aseinotegi/dgt-beacon-etl/internal/datex"
	"github.com/aseinotegi/dgt-beacon-etl/internal/domain"
	"github.com/aseinotegi/dgt-beacon-etl/internal/observability"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
)

func newFetchCommand(root *rootOptions) *cobra.Command {
	var parse bool
	var only string

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch the configured sources once and report bytes or failures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			eps := feed.Endpoints(cfg)
			if only != "" {
				eps, err = filterEndpoints(eps, domain.Source(only))
				if err != nil {
					return err
				}
			}

			logger := root.logger(cmd.ErrOrStderr())
			client := feed.NewClient(feed.Options{
				Timeout:        cfg.FetchTimeout,
				ConnectTimeout: cfg.FetchConnectTimeout,
				MaxBytes:       cfg.FetchMaxBytes,
			}, clockwork.NewRealClock(), logger, observability.NewMetricsForTesting())

			results := client.FetchAll(cmd.Context(), eps)
			return report(cmd, results, parse, logger)
		},
	}

	cmd.Flags().BoolVarP(&parse, "parse", "p", false, "decode each fetched document and count records")
	cmd.Flags().StringVarP(&only, "source", "s", "", "fetch a single source")

	return cmd
}

func filterEndpoints(eps []feed.Endpoint, source domain.Source) ([]feed.Endpoint, error) {
	if !source.Valid() {
		return nil, fmt.Errorf("unknown source %q", source)
	}
	for _, ep := range eps {
		if ep.Source == source {
			return []feed.Endpoint{ep}, nil
		}
	}
	return nil, fmt.Errorf("source %q is not configured", source)
}

func report(cmd *cobra.Command, results []feed.Result, parse bool, logger *slog.Logger) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tSTATUS\tBYTES\tDURATION\tRECORDS\tFLAGGED\tDROPPED")

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			fmt.Fprintf(w, "%s\t%s\t-\t%s\t-\t-\t-\n", res.Source, res.Err.Kind, res.Duration.Round(time.Millisecond))
			continue
		}
		records, flagged, dropped := "-", "-", "-"
		if parse {
			parsed := datex.Parse(domain.DialectFor(res.Source), res.Body, logger.With("source", res.Source))
			if parsed.Err != nil {
				failed++
				fmt.Fprintf(w, "%s\tparse_error\t%d\t%s\t-\t-\t-\n", res.Source, len(res.Body), res.Duration.Round(time.Millisecond))
				continue
			}
			n := 0
			for _, r := range parsed.Records {
				if domain.IsFlaggedIncident(r) {
					n++
				}
			}
			records, flagged, dropped = fmt.Sprint(len(parsed.Records)), fmt.Sprint(n), fmt.Sprint(parsed.Dropped)
		}
		fmt.Fprintf(w, "%s\tok\t%d\t%s\t%s\t%s\t%s\n", res.Source, len(res.Body), res.Duration.Round(time.Millisecond), records, flagged, dropped)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d sources failed", failed, len(results))
	}
	return nil
}
