package bandwidth

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nymproject/gateway-client/internal/gatewayerr"
)

func TestClaimAndAcknowledgeTestnetBandwidth(t *testing.T) {
	l := NewLedger(false)
	ticket, err := l.ClaimBandwidth(1024)
	require.NoError(t, err)
	assert.True(t, ticket.IsTestnet)

	require.NoError(t, l.Acknowledge(ticket.ID))
	assert.Equal(t, int64(1024), l.Available())
}

func TestAcknowledgeTwiceIsReplay(t *testing.T) {
	l := NewLedger(true)
	ticket, err := l.ClaimBandwidth(512)
	require.NoError(t, err)

	require.NoError(t, l.Acknowledge(ticket.ID))
	err = l.Acknowledge(ticket.ID)
	assert.ErrorIs(t, err, gatewayerr.ErrTicketReplayed)
}

func TestRevertReturnsTicketWithoutCrediting(t *testing.T) {
	l := NewLedger(true)
	ticket, err := l.ClaimBandwidth(256)
	require.NoError(t, err)

	require.NoError(t, l.Revert(ticket.ID))
	assert.Equal(t, int64(0), l.Available())

	err = l.Revert(ticket.ID)
	assert.Error(t, err)
}

func TestAcknowledgeUnknownTicket(t *testing.T) {
	l := NewLedger(true)
	err := l.Acknowledge(uuid.New())
	assert.Error(t, err)
}

func TestClaimBandwidthRejectsNonPositiveValue(t *testing.T) {
	l := NewLedger(true)
	_, err := l.ClaimBandwidth(0)
	assert.Error(t, err)
}

func TestGrantTestnetBandwidthCreditsDirectly(t *testing.T) {
	l := NewLedger(false)
	l.GrantTestnetBandwidth(2048)
	assert.Equal(t, int64(2048), l.Available())
}
