//go:build integration

package mongo_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/mongo"
	"github.com/xraph/tally/store/storetest"
)

// Transactions need a replica set, so this runs against TALLY_MONGO_URI
// rather than a throwaway standalone server.
func TestConformance(t *testing.T) {
	uri := os.Getenv("TALLY_MONGO_URI")
	if uri == "" {
		t.Skip("TALLY_MONGO_URI not set")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := mongo.Connect(uri, fmt.Sprintf("tally_test_%d", time.Now().UnixNano()), nil, mongo.WithPollInterval(200*time.Millisecond))
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = s.DB().Drop(context.Background())
			_ = s.Close()
		})
		require.NoError(t, s.Migrate(context.Background()))
		return s
	})
}
