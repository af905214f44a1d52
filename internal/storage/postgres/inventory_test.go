package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/overworld/internal/game/inventory"
	"github.com/cory-johannsen/overworld/internal/storage/postgres"
	"github.com/cory-johannsen/overworld/internal/testutil"
)

var _ inventory.Source = (*postgres.InventoryRepository)(nil)

func newRepo(t *testing.T) *postgres.InventoryRepository {
	t.Helper()
	pc := testutil.NewPostgresContainer(t)
	pc.ApplyMigrations(t)
	return pc.Store.Inventory()
}

func TestInventoryRepository(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	t.Run("missing row counts zero", func(t *testing.T) {
		n, err := repo.Count(ctx, "nobody", "pokemon")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("set then count", func(t *testing.T) {
		require.NoError(t, repo.Set(ctx, "ash", "pokemon", 6))
		n, err := repo.Count(ctx, "ash", "pokemon")
		require.NoError(t, err)
		assert.Equal(t, 6, n)

		require.NoError(t, repo.Set(ctx, "ash", "pokemon", 2))
		n, err = repo.Count(ctx, "ash", "pokemon")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("set rejects negative", func(t *testing.T) {
		assert.ErrorIs(t, repo.Set(ctx, "ash", "pokemon", -1), postgres.ErrNegativeQuantity)
	})

	t.Run("adjust", func(t *testing.T) {
		n, err := repo.Adjust(ctx, "misty", "badges", 3)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		n, err = repo.Adjust(ctx, "misty", "badges", -2)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = repo.Adjust(ctx, "misty", "badges", -5)
		assert.ErrorIs(t, err, postgres.ErrNegativeQuantity)
		_, err = repo.Adjust(ctx, "brock", "badges", -1)
		assert.ErrorIs(t, err, postgres.ErrNegativeQuantity)

		n, err = repo.Count(ctx, "misty", "badges")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("list", func(t *testing.T) {
		require.NoError(t, repo.Set(ctx, "gary", "pokemon", 7))
		require.NoError(t, repo.Set(ctx, "gary", "badges", 8))
		holdings, err := repo.List(ctx, "gary")
		require.NoError(t, err)
		assert.Equal(t, []postgres.Holding{{Resource: "badges", Quantity: 8}, {Resource: "pokemon", Quantity: 7}}, holdings)
	})

	t.Run("gates duel requirement", func(t *testing.T) {
		require.NoError(t, repo.Set(ctx, "ash", "pokemon", 5))
		ok, held, err := inventory.Requirement{Resource: "pokemon", Min: 5}.Check(ctx, repo, "ash")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 5, held)
	})
}
