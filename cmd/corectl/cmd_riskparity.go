package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"trading-control-core/internal/bandit"
)

type strategyFile struct {
	Strategies []bandit.Strategy `yaml:"strategies"`
}

// parseStrategy reads name:volatility:expected_return
func parseStrategy(s string) (bandit.Strategy, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return bandit.Strategy{}, fmt.Errorf("strategy %q: want name:volatility:return", s)
	}
	vol, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return bandit.Strategy{}, fmt.Errorf("strategy %q volatility: %w", s, err)
	}
	ret, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return bandit.Strategy{}, fmt.Errorf("strategy %q return: %w", s, err)
	}
	return bandit.Strategy{Name: parts[0], Volatility: vol, ExpectedReturn: ret}, nil
}

func loadStrategies(path string) ([]bandit.Strategy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f strategyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return f.Strategies, nil
}

func newRiskParityCmd(opts *rootOptions) *cobra.Command {
	var (
		specs []string
		file  string
	)
	cmd := &cobra.Command{
		Use:   "riskparity",
		Short: "Compute inverse-volatility risk parity weights",
		Long: `Compute risk parity weights for a set of strategies, given either as
repeated --strategy name:volatility:return flags or a YAML file:

  strategies:
    - name: trend
      volatility: 0.2
      expected_return: 0.12`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validateFormat(); err != nil {
				return err
			}
			var strategies []bandit.Strategy
			if file != "" {
				loaded, err := loadStrategies(file)
				if err != nil {
					return err
				}
				strategies = append(strategies, loaded...)
			}
			for _, s := range specs {
				st, err := parseStrategy(s)
				if err != nil {
					return err
				}
				strategies = append(strategies, st)
			}

			res, err := bandit.ComputeRiskParity(strategies)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.format == "json" {
				return writeJSON(out, res)
			}

			t := newTable(out, "RISK PARITY")
			t.AppendHeader(table.Row{"Strategy", "Allocation", "Risk contribution", "Expected return"})
			for _, a := range res.Allocations {
				t.AppendRow(table.Row{
					a.Name,
					fmt.Sprintf("%.2f%%", a.Allocation*100),
					fmt.Sprintf("%.4f", a.RiskContribution),
					fmt.Sprintf("%.4f", a.ExpectedReturn),
				})
			}
			t.AppendFooter(table.Row{
				"Portfolio",
				fmt.Sprintf("risk %.4f", res.PortfolioRisk),
				fmt.Sprintf("return %.4f", res.PortfolioReturn),
				fmt.Sprintf("sharpe %.2f", res.SharpeRatio),
			})
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&specs, "strategy", nil, "Strategy as name:volatility:return (repeatable)")
	cmd.Flags().StringVar(&file, "file", "", "YAML file with a strategies list")
	return cmd
}
