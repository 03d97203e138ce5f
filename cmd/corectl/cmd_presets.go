package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"trading-control-core/config"
)

func newPresetsCmd(opts *rootOptions) *cobra.Command {
	var presetsFile string
	cmd := &cobra.Command{
		Use:   "presets",
		Short: "List the preset catalogue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validateFormat(); err != nil {
				return err
			}
			path := presetsFile
			if !cmd.Flags().Changed("file") {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				path = cfg.PresetsFile
			}

			cat, err := config.LoadPresets(path)
			if err != nil {
				return fmt.Errorf("load presets: %w", err)
			}

			out := cmd.OutOrStdout()
			if opts.format == "json" {
				return writeJSON(out, cat.All())
			}

			t := newTable(out, "PRESETS")
			t.AppendHeader(table.Row{"Name", "ML", "Tech", "Pattern", "Sent", "News", "Whale", "Min score", "Min conf", "Min R:R"})
			for _, p := range cat.All() {
				w := p.Weights
				t.AppendRow(table.Row{
					p.Name, w.ML, w.Technical, w.Pattern, w.Sentiment, w.News, w.Whale,
					p.MinConsensusScore, p.MinConfidence, p.MinRiskRewardRatio,
				})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&presetsFile, "file", "", "Presets YAML file (overrides the config)")
	return cmd
}
