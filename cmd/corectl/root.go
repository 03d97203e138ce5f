package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"trading-control-core/config"
)

type rootOptions struct {
	configPath string
	format     string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "corectl",
		Short: "Operator tooling for the decision and risk control core",
		Long: `corectl runs the control core's sizing and allocation math without a
running server, lists the configured presets and mints operator tokens for
the emergency API.

Examples:
  corectl presets
  corectl size --balance 10000 --entry 100 --stop 95 --target 115
  corectl riskparity --strategy trend:0.2:0.12 --strategy meanrev:0.1:0.06
  corectl token --operator alice`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "config.json", "Config file (missing file means defaults)")
	cmd.PersistentFlags().StringVar(&opts.format, "format", "table", "Output format (table|json)")

	cmd.AddCommand(
		newPresetsCmd(opts),
		newSizeCmd(opts),
		newRiskParityCmd(opts),
		newTokenCmd(opts),
	)
	return cmd
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFrom(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (o *rootOptions) validateFormat() error {
	switch o.format {
	case "table", "json":
		return nil
	default:
		return fmt.Errorf("unknown format %q (table|json)", o.format)
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(title)
	t.SetStyle(table.StyleRounded)
	return t
}
