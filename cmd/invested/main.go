// Command invested runs a scripted brokerage session: it opens portfolios,
// submits orders and transfers, applies broker reviews, and prints what the
// rule sets did with each step.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"rgehrsitz/invested/internal/config"
)

func main() {
	if err := run(); err != nil {
		log.Error().Err(err).Msg("invested failed")
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	render := flag.Bool("render", false, "print both decision tables before running")
	showBalances := flag.Bool("balances", false, "print closing cash and holdings per portfolio")
	metricsFile := flag.String("metrics-file", "", "write lifecycle metrics in text format to this file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: invested [flags] <scenario.json | ->\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		return fmt.Errorf("expected one scenario file, got %d arguments", flag.NArg())
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.Logging.Logger(os.Stderr)
	if err != nil {
		return err
	}
	log.Logger = logger

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s, err := readScenario(flag.Arg(0))
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("Closing store")
		}
	}()

	if *render {
		fmt.Println(a.orders.Table().Render())
		fmt.Println(a.transfers.Table().Render())
	}

	r, err := newRunner(ctx, a, s)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	results, err := r.run(ctx, s.Steps)
	if len(results) > 0 {
		if encErr := enc.Encode(results); encErr != nil {
			return encErr
		}
	}
	if err != nil {
		return err
	}
	if *showBalances {
		balances, err := r.balances(ctx)
		if err != nil {
			return err
		}
		if err := enc.Encode(balances); err != nil {
			return err
		}
	}

	if *metricsFile != "" {
		if err := prometheus.WriteToTextfile(*metricsFile, a.registry); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
		log.Info().Str("path", *metricsFile).Msg("Wrote metrics")
	}
	return nil
}

func readScenario(path string) (*scenario, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open scenario: %w", err)
		}
		defer f.Close()
		r = f
	}
	return decodeScenario(r)
}
