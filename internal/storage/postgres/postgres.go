// Package postgres keeps player resource holdings in PostgreSQL using pgx v5.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cory-johannsen/overworld/internal/config"
)

// ErrDisabled is returned by Open when the database section is switched off.
var ErrDisabled = errors.New("database disabled in configuration")

// Store owns the connection pool behind the player records and the
// repositories built on it. Callers never see the pool itself.
type Store struct {
	pool      *pgxpool.Pool
	inventory *InventoryRepository
	cfg       config.DatabaseConfig
	logger    *zap.Logger
}

// Open connects to the player record database and verifies it answers.
//
// Precondition: cfg has passed config validation; logger must be non-nil.
// Postcondition: Returns a connected Store, ErrDisabled, or a connection error
// with nothing left open.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Store, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	start := time.Now()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "overworld"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	s := &Store{
		pool:      pool,
		inventory: NewInventoryRepository(pool),
		cfg:       cfg,
		logger:    logger,
	}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	logger.Info("player store connected",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Name),
		zap.Int32("max_conns", cfg.MaxConns),
		zap.Duration("elapsed", time.Since(start)),
	)
	return s, nil
}

// Inventory returns the repository used for handshake requirement checks.
func (s *Store) Inventory() *InventoryRepository { return s.inventory }

// Ping checks the database answers within the configured health timeout.
func (s *Store) Ping(ctx context.Context) error {
	timeout := s.cfg.HealthTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Monitor pings the database every health interval until ctx is done, logging
// when it becomes unreachable and when it recovers.
//
// Postcondition: Returns ctx.Err().
func (s *Store) Monitor(ctx context.Context) error {
	interval := s.cfg.HealthInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := s.Ping(ctx)
			switch {
			case err != nil && ctx.Err() != nil:
				return ctx.Err()
			case err != nil && healthy:
				healthy = false
				s.logger.Warn("player store unreachable", zap.Error(err))
			case err == nil && !healthy:
				healthy = true
				s.logger.Info("player store reachable again")
			}
		}
	}
}

// Close releases every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}
