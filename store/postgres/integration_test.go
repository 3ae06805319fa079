//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/order"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/postgres"
	"github.com/xraph/tally/store/storetest"
)

// startPostgres runs a throwaway server and returns its DSN.
func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("tally_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func openStore(t *testing.T, dsn string) *postgres.Store {
	t.Helper()

	s, err := postgres.Open(dsn, postgres.WithPollInterval(200*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestIntegration(t *testing.T) {
	dsn := startPostgres(t)

	t.Run("Conformance", func(t *testing.T) {
		// Subtests share the database; every subtest uses its own tenant.
		storetest.Run(t, func(t *testing.T) store.Store { return openStore(t, dsn) })
	})

	t.Run("OrderNotifications", func(t *testing.T) {
		s := openStore(t, dsn)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		events, err := s.OrderEvents(ctx)
		require.NoError(t, err)

		o := &order.Order{ID: id.NewOrderID(), TenantID: "notify-tenant", CreatedAt: time.Now().UTC(), Source: order.SourceExternal}
		require.NoError(t, s.InsertOrder(ctx, o))

		deadline := time.After(10 * time.Second)
		for {
			select {
			case ev := <-events:
				if ev.OrderID != o.ID {
					_ = ev.Ack()
					continue
				}
				assert.Equal(t, "notify-tenant", ev.TenantID)
				require.NoError(t, ev.Ack())
				return
			case <-deadline:
				t.Fatal("no event for inserted order")
			}
		}
	})
}
