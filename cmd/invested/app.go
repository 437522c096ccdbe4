package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"rgehrsitz/invested/internal/brokerage"
	"rgehrsitz/invested/internal/config"
	"rgehrsitz/invested/internal/ledger"
	"rgehrsitz/invested/internal/ledger/memory"
	"rgehrsitz/invested/internal/ledger/postgres"
	"rgehrsitz/invested/internal/ledger/sqlite"
	"rgehrsitz/invested/internal/lifecycle"
	"rgehrsitz/invested/internal/orders"
	"rgehrsitz/invested/internal/telemetry"
	"rgehrsitz/invested/internal/transfers"
)

// app is the wired brokerage: one store, both rule sets and the service.
type app struct {
	store     ledger.Store
	settings  *config.Source
	orders    *orders.Rules
	transfers *transfers.Rules
	service   *brokerage.Service
	master    uuid.UUID
	registry  *prometheus.Registry
}

func openStore(ctx context.Context, cfg config.Storage) (ledger.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memory.NewStore(), nil
	case "sqlite":
		return sqlite.Open(cfg.SQLitePath)
	case "postgres":
		return postgres.Open(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func newApp(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app, error) {
	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	a := &app{
		store:    store,
		settings: config.NewSource(cfg.Policy()),
		registry: prometheus.NewRegistry(),
	}
	if a.master, err = ensureMaster(ctx, store, cfg.Company.MasterPortfolioID); err != nil {
		_ = store.Close()
		return nil, err
	}

	opts := []lifecycle.Option{
		lifecycle.WithLogger(logger),
		lifecycle.WithMaxIterations(cfg.Processing.MaxIterations),
		lifecycle.WithMetrics(telemetry.NewProcessMetrics(a.registry)),
	}
	if a.orders, err = orders.New(orders.Deps{Store: store, Settings: a.settings, Master: a.master}, opts...); err != nil {
		_ = store.Close()
		return nil, err
	}
	if a.transfers, err = transfers.New(transfers.Deps{Store: store, Settings: a.settings}, opts...); err != nil {
		_ = store.Close()
		return nil, err
	}
	a.service, err = brokerage.New(store, a.orders, a.transfers,
		brokerage.WithLogger(logger),
		brokerage.WithWorkers(cfg.Processing.Workers),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	logger.Info().
		Str("driver", cfg.Storage.Driver).
		Str("master", a.master.String()).
		Msg("Brokerage ready")
	return a, nil
}

// ensureMaster returns the company portfolio, creating it when the id is
// unset or not yet in the store.
func ensureMaster(ctx context.Context, store ledger.Store, id uuid.UUID) (uuid.UUID, error) {
	if id == uuid.Nil {
		id = uuid.New()
	}
	err := store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		p, err := tx.Portfolio(ctx, id)
		switch {
		case err == nil:
			if p.Role != ledger.RoleCompany {
				return fmt.Errorf("master portfolio %s has role %s", id, p.Role)
			}
			return nil
		case errors.Is(err, ledger.ErrNotFound):
			return tx.CreatePortfolio(ctx, ledger.Portfolio{ID: id, Role: ledger.RoleCompany, Name: "company", Cash: decimal.Zero})
		default:
			return err
		}
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("master portfolio: %w", err)
	}
	return id, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
