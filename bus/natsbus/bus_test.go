package natsbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/order"
)

func TestPayloadRoundTrip(t *testing.T) {
	o := &order.Order{ID: id.NewOrderID(), TenantID: "t1", CreatedAt: time.Now()}

	data, err := encode(o)
	require.NoError(t, err)
	assert.JSONEq(t, `{"order_id":"`+o.ID.String()+`","tenant_id":"t1"}`, string(data))

	ev, err := decode(data)
	require.NoError(t, err)
	assert.Equal(t, o.ID, ev.OrderID)
	assert.Equal(t, "t1", ev.TenantID)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"bad id", `{"order_id":"seat_01h455vb4pex5vsknk084sn02q","tenant_id":"t1"}`},
		{"no tenant", `{"order_id":"` + id.NewOrderID().String() + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decode([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Subject: "custom.orders"}
	cfg.defaults()

	assert.Equal(t, "custom.orders", cfg.Subject)
	assert.Equal(t, "TALLY_ORDERS", cfg.Stream)
	assert.Equal(t, "tally-reconciler", cfg.Durable)
	assert.Equal(t, 30*time.Second, cfg.AckWait)
	assert.Equal(t, 5*time.Second, cfg.RedeliverDelay)
	assert.NotEmpty(t, cfg.Servers)
}
