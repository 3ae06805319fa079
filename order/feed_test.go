package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/id"
)

func TestBacklogTrack(t *testing.T) {
	b := NewBacklog()

	settle := b.Track("ord_1")
	require.NotNil(t, settle)
	assert.Nil(t, b.Track("ord_1"))

	require.NoError(t, settle())
	assert.NotNil(t, b.Track("ord_1"))
}

func TestBacklogSettledReleasesOnNak(t *testing.T) {
	b := NewBacklog()
	o := &Order{ID: id.NewOrderID(), TenantID: "acme"}

	ev := b.Settled(o)
	require.NotNil(t, ev)
	assert.Equal(t, o.ID, ev.OrderID)
	assert.Nil(t, b.Settled(o), "in flight until settled")

	require.NoError(t, ev.Nak())
	again := b.Settled(o)
	require.NotNil(t, again)
	require.NoError(t, again.Ack())
}
