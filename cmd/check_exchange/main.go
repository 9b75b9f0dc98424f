package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vitos/risk_lifecycle/internal/config"
	"github.com/vitos/risk_lifecycle/internal/domain"
	"github.com/vitos/risk_lifecycle/internal/infrastructure/exchange"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	symbol := flag.String("symbol", "BTCUSDT", "symbol to inspect")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Testing Binance Futures Interaction...\n")
	fmt.Printf("Endpoint: %s\n", cfg.Exchange.RESTEndpoint)
	fmt.Printf("API Key: %s\n", cfg.MaskedKey())

	adapter := exchange.NewBinanceAdapter(cfg.BinanceConfig(), zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 2. Clock
	if serverTime, err := adapter.SyncTime(ctx); err != nil {
		fmt.Printf("❌ Failed to sync time: %v\n", err)
	} else {
		fmt.Printf("✅ Server time %s, offset %s\n", serverTime.Format(time.RFC3339), adapter.TimeOffset())
	}

	// 3. Public endpoint (price)
	if price, err := adapter.GetPrice(ctx, *symbol); err != nil {
		fmt.Printf("❌ Failed to get price: %v\n", err)
	} else {
		fmt.Printf("✅ Current Price (%s): %f\n", *symbol, price)
	}

	// 4. Private endpoints
	if dual, err := adapter.GetPositionMode(ctx); err != nil {
		fmt.Printf("❌ Failed to get position mode: %v\n", err)
	} else {
		mode := "one-way"
		if dual {
			mode = "hedge"
		}
		fmt.Printf("✅ Position mode: %s\n", mode)
	}

	if balance, err := adapter.GetBalance(ctx, cfg.Lifecycle.QuoteAsset); err != nil {
		fmt.Printf("❌ Failed to get balance: %v\n", err)
	} else {
		fmt.Printf("✅ Balance: %f %s\n", balance, cfg.Lifecycle.QuoteAsset)
	}

	positions, err := adapter.GetPositions(ctx)
	if err != nil {
		fmt.Printf("❌ Failed to get positions: %v\n", err)
	} else {
		fmt.Printf("✅ Open positions: %d\n", len(positions))
		for _, p := range positions {
			fmt.Printf("   %s %s Size=%f Entry=%f Mark=%f PnL=%f\n",
				p.Symbol, p.Side, p.Quantity, p.EntryPrice, p.MarkPrice, p.UnrealizedPnL)
		}
	}

	if orders, err := adapter.GetOpenOrders(ctx, *symbol); err != nil {
		fmt.Printf("❌ Failed to get open orders: %v\n", err)
	} else {
		fmt.Printf("✅ Open orders (%s): %d\n", *symbol, len(orders))
		for _, o := range orders {
			fmt.Printf("   %s %s status=%s qty=%f client_id=%s\n", o.ExchangeOrderID, o.Kind, o.Status, o.Quantity, o.ClientOrderID)
		}
	}

	if domain.IsKind(err, domain.KindAccount) {
		fmt.Printf("❌ Credentials rejected, check BINANCE_API_KEY/BINANCE_API_SECRET\n")
		os.Exit(2)
	}
}
