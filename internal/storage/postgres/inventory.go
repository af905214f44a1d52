package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNegativeQuantity is returned when a holding would drop below zero.
var ErrNegativeQuantity = errors.New("resource quantity cannot be negative")

const checkViolation = "23514"

// Holding is one row of player_resources.
type Holding struct {
	Resource string
	Quantity int
}

// InventoryRepository reads and seeds player resource holdings. It implements
// inventory.Source.
type InventoryRepository struct {
	db *pgxpool.Pool
}

// NewInventoryRepository creates an InventoryRepository backed by db.
//
// Precondition: db must be a valid, open connection pool.
func NewInventoryRepository(db *pgxpool.Pool) *InventoryRepository {
	return &InventoryRepository{db: db}
}

// Count returns how many of resource identityRef holds.
//
// Postcondition: Returns 0 with a nil error when no row exists.
func (r *InventoryRepository) Count(ctx context.Context, identityRef, resource string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT quantity FROM player_resources WHERE identity_ref = $1 AND resource = $2`,
		identityRef, resource,
	).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counting %s for %s: %w", resource, identityRef, err)
	}
	return n, nil
}

// Set stores an absolute quantity, creating the row if needed.
//
// Precondition: quantity >= 0.
func (r *InventoryRepository) Set(ctx context.Context, identityRef, resource string, quantity int) error {
	if quantity < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeQuantity, quantity)
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO player_resources (identity_ref, resource, quantity, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (identity_ref, resource)
		DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = NOW()`,
		identityRef, resource, quantity,
	)
	if err != nil {
		return fmt.Errorf("setting %s for %s: %w", resource, identityRef, err)
	}
	return nil
}

// Adjust adds delta to a holding atomically and returns the new quantity.
//
// Postcondition: Returns ErrNegativeQuantity and leaves the row unchanged if the
// result would be negative.
func (r *InventoryRepository) Adjust(ctx context.Context, identityRef, resource string, delta int) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		INSERT INTO player_resources (identity_ref, resource, quantity, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (identity_ref, resource)
		DO UPDATE SET quantity = player_resources.quantity + EXCLUDED.quantity, updated_at = NOW()
		WHERE player_resources.quantity + EXCLUDED.quantity >= 0
		RETURNING quantity`,
		identityRef, resource, delta,
	).Scan(&n)
	var pgErr *pgconn.PgError
	if errors.Is(err, pgx.ErrNoRows) || (errors.As(err, &pgErr) && pgErr.Code == checkViolation) {
		return 0, fmt.Errorf("%w: %s %+d", ErrNegativeQuantity, resource, delta)
	}
	if err != nil {
		return 0, fmt.Errorf("adjusting %s for %s: %w", resource, identityRef, err)
	}
	return n, nil
}

// List returns every holding for identityRef ordered by resource.
func (r *InventoryRepository) List(ctx context.Context, identityRef string) ([]Holding, error) {
	rows, err := r.db.Query(ctx,
		`SELECT resource, quantity FROM player_resources WHERE identity_ref = $1 ORDER BY resource`,
		identityRef,
	)
	if err != nil {
		return nil, fmt.Errorf("listing holdings for %s: %w", identityRef, err)
	}
	holdings, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Holding, error) {
		var h Holding
		err := row.Scan(&h.Resource, &h.Quantity)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning holdings for %s: %w", identityRef, err)
	}
	return holdings, nil
}
