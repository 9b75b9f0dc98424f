package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/vitos/risk_lifecycle/internal/config"
	"github.com/vitos/risk_lifecycle/internal/domain"
	"github.com/vitos/risk_lifecycle/internal/usecase"
)

// riskplan prints the tier and RiskPlan the manager would derive for a
// balance and regime. It never talks to the exchange.
func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	balance := flag.Float64("balance", 100, "account balance in quote asset")
	regime := flag.String("regime", "quiet", "market regime: trending, ranging, volatile, quiet")
	atr := flag.Float64("atr", 0, "measured ATR percent, 0 uses the reference ATR")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	tiers, err := cfg.BuildTiers()
	if err != nil {
		fmt.Printf("Invalid tiers: %v\n", err)
		os.Exit(1)
	}
	resolver, err := usecase.NewTierResolver(tiers)
	if err != nil {
		fmt.Printf("Invalid tiers: %v\n", err)
		os.Exit(1)
	}
	calc, err := usecase.NewRiskCalculator(cfg.CalculatorConfig())
	if err != nil {
		fmt.Printf("Invalid calculator config: %v\n", err)
		os.Exit(1)
	}

	tier := resolver.Resolve(*balance)
	plan := calc.ComputeWithATR(tier, domain.ParseRegime(*regime), *atr)

	out := struct {
		Balance float64            `json:"balance"`
		Tier    domain.AccountTier `json:"tier"`
		Plan    domain.RiskPlan    `json:"plan"`
	}{*balance, tier, plan}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Printf("Failed to encode plan: %v\n", err)
		os.Exit(1)
	}
}
