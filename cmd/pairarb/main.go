package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"pairarb/internal/domain/model"
	"pairarb/internal/infrastructure/config"
	"pairarb/internal/infrastructure/logger"
	"pairarb/internal/infrastructure/svc"
)

func main() {
	configPath := flag.String("config", "configs/config.toml", "path to config (.toml or .yaml)")
	worker := flag.String("worker", "arbitrage", "arbitrage | selling | latency | monitor | add-opportunity | add-token | close")
	pairs := flag.String("pairs", "", "comma separated pairs, e.g. ABC/BUSD,ABC/USDT")
	token := flag.String("token", "", "token code for add-opportunity / add-token")
	start := flag.String("start", "", "trading start, RFC3339")
	amount := flag.String("amount", "0", "token amount in wei for add-token")
	id := flag.String("id", "", "opportunity id for close")
	flag.Parse()

	// .env 可选
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Setup("info")
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}
	logger.Setup(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := svc.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("service context initialization failed")
	}
	defer sc.Close()

	log.Info().
		Str("config", *configPath).
		Str("worker", *worker).
		Str("reference", cfg.Arbitrage.Reference).
		Msg("pairarb started")

	if err := run(ctx, sc, *worker, splitPairs(*pairs), *token, *start, *amount, *id); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Str("worker", *worker).Msg("worker exited")
		_ = sc.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, sc *svc.ServiceContext, worker string, pairs []string, token, start, amount, id string) error {
	switch worker {
	case "arbitrage":
		err := sc.Lifecycle.Run(ctx)
		sc.Lifecycle.Wait()
		return err
	case "selling":
		err := sc.Pipeline.Run(ctx)
		sc.Pipeline.Wait()
		return err
	case "latency":
		d, err := sc.Meter.MeasureLatency(ctx)
		if err != nil {
			return err
		}
		log.Info().Dur("offset", d.Offset).Dur("latency", d.Latency).Msg("binance clock drift")
		return nil
	case "monitor":
		mon, err := sc.Monitor(pairs)
		if err != nil {
			return err
		}
		return mon.Run(ctx)
	case "add-opportunity":
		ts, err := parseStart(start)
		if err != nil {
			return err
		}
		o := &model.Opportunity{TokenCode: strings.ToUpper(token), TokenPairs: pairs, TradingStartDate: ts}
		if len(o.Pairs()) == 0 {
			return model.ErrNoSupportedPair
		}
		if err := sc.Store.CreateOpportunity(ctx, o); err != nil {
			return err
		}
		log.Info().Str("record", o.ID).Str("token", o.TokenCode).Time("start", ts).Msg("opportunity added")
		return nil
	case "add-token":
		ts, err := parseStart(start)
		if err != nil {
			return err
		}
		wei, err := decimal.NewFromString(amount)
		if err != nil {
			return fmt.Errorf("amount: %w", err)
		}
		t := &model.TradeableToken{TokenCode: strings.ToUpper(token), TokenPairs: pairs, TradingStartDate: ts, TokenAmountInWei: wei}
		if len(t.Pairs()) == 0 {
			return model.ErrNoSupportedPair
		}
		if err := sc.Store.CreateToken(ctx, t); err != nil {
			return err
		}
		log.Info().Str("token", t.TokenCode).Time("start", ts).Msg("token added")
		return nil
	case "close":
		// 由运行 arbitrage worker 的进程在下一次 tick 执行
		if id == "" {
			return errors.New("close: -id required")
		}
		if err := sc.Store.RequestClose(ctx, id); err != nil {
			return err
		}
		log.Info().Str("record", id).Msg("close requested")
		return nil
	}
	return fmt.Errorf("unknown worker %q", worker)
}

func parseStart(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("-start is required")
	}
	return time.Parse(time.RFC3339, s)
}

func splitPairs(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}
