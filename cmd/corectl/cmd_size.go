package main

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"trading-control-core/internal/logging"
	"trading-control-core/internal/market"
	"trading-control-core/internal/risk"
)

func newSizeCmd(opts *rootOptions) *cobra.Command {
	var (
		params risk.SizingParams
		regime string
	)
	cmd := &cobra.Command{
		Use:   "size",
		Short: "Size a position with the configured sizer",
		Long: `Size a position offline. With no trade history the sizer falls back to
the fixed fraction method, exactly as the server does for a new symbol.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validateFormat(); err != nil {
				return err
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			r, err := market.ParseRegime(regime)
			if err != nil {
				return err
			}
			params.Regime = r
			params.Symbol = strings.ToUpper(params.Symbol)

			sizer, err := risk.NewDynamicPositionSizer(cfg.SizingConfig, risk.NewRiskMetricsStore(0), logging.Nop())
			if err != nil {
				return err
			}
			res, err := sizer.CalculateSize(params)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.format == "json" {
				return writeJSON(out, res)
			}

			t := newTable(out, "POSITION SIZE "+res.Symbol)
			t.AppendRows([]table.Row{
				{"Method", res.SizingMethod},
				{"Size (USD)", fmt.Sprintf("%.2f", res.RecommendedSizeUSD)},
				{"Units", fmt.Sprintf("%.6f", res.Units)},
				{"Risk amount", fmt.Sprintf("%.2f", res.RiskAmount)},
				{"Risk:reward", fmt.Sprintf("%.2f", res.RiskRewardRatio)},
				{"Kelly fraction", fmt.Sprintf("%.4f", res.KellyFraction)},
				{"Adjustment", fmt.Sprintf("%.3f", res.Adjustments.Product())},
				{"Confidence", fmt.Sprintf("%.1f", res.Confidence)},
			})
			for _, w := range res.Warnings {
				t.AppendRow(table.Row{"Warning", w})
			}
			t.Render()
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&params.Symbol, "symbol", "BTCUSDT", "Symbol")
	f.Float64Var(&params.AccountBalance, "balance", 0, "Account balance in USD")
	f.Float64Var(&params.EntryPrice, "entry", 0, "Entry price")
	f.Float64Var(&params.StopLoss, "stop", 0, "Stop loss price")
	f.Float64Var(&params.TargetPrice, "target", 0, "Target price")
	f.Float64Var(&params.Volatility, "volatility", 0.02, "Volatility as a fraction")
	f.Float64Var(&params.Confidence, "confidence", 70, "Decision confidence (0-100)")
	f.Float64Var(&params.AvailableLiquidity, "liquidity", 0, "Available liquidity in USD (0 means unknown)")
	f.Float64Var(&params.CorrelationRisk, "correlation", 0, "Correlation with open positions (0-1)")
	f.StringVar(&regime, "regime", "UNKNOWN", "Market regime (TRENDING|RANGING|EVENT_DRIVEN|UNKNOWN)")
	_ = cmd.MarkFlagRequired("balance")
	_ = cmd.MarkFlagRequired("entry")
	_ = cmd.MarkFlagRequired("stop")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}
