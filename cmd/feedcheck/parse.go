package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/aseinotegi/dgt-beacon-etl/internal/datex"
	"github.com/aseinotegi/dgt-beacon-etl/internal/domain"
	"github.com/spf13/cobra"
)

type parseOutput struct {
	Dialect         string          `json:"dialect"`
	PublicationTime *string         `json:"publication_time,omitempty"`
	Records         []domain.Record `json:"records"`
	Flagged         int             `json:"flagged"`
	Dropped         int             `json:"dropped"`
}

func newParseCommand(root *rootOptions) *cobra.Command {
	var dialect, file string

	cmd := &cobra.Command{
		Use:   "parse",
		Short: "Decode a local feed file and print canonical records as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := parseDialect(dialect)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read feed file: %w", err)
			}

			res := datex.Parse(d, data, root.logger(cmd.ErrOrStderr()))
			if res.Err != nil {
				return fmt.Errorf("parse %s: %w", file, res.Err)
			}

			out := parseOutput{Dialect: d.String(), Records: res.Records, Dropped: res.Dropped}
			if out.Records == nil {
				out.Records = []domain.Record{}
			}
			if res.PublicationTime != nil {
				ts := res.PublicationTime.Format("2006-01-02T15:04:05")
				out.PublicationTime = &ts
			}
			for _, r := range res.Records {
				if domain.IsFlaggedIncident(r) {
					out.Flagged++
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	cmd.Flags().StringVarP(&dialect, "dialect", "d", "a", "feed dialect (a, b or a source name)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to the XML document")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
