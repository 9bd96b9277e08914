// Package bandwidth implements the gateway client's bandwidth ledger: it
// tracks tickets claimed from an ecash credential or a free testnet
// allowance, and distinguishes a ticket rejected outright (replayed) from
// one whose spend must be reverted because the gateway never acknowledged
// it.
package bandwidth

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nymproject/gateway-client/internal/gatewayerr"
)

// Ticket represents a single bandwidth claim in flight.
type Ticket struct {
	ID          uuid.UUID
	Value       int64 // bytes of bandwidth this ticket is worth
	IsTestnet   bool
	Acknowledged bool
}

// Ledger tracks outstanding and spent tickets for one gateway connection.
type Ledger struct {
	mu sync.Mutex

	available int64 // bytes confirmed available (e.g. free testnet allowance)
	spent     map[uuid.UUID]*Ticket
	redeemed  map[uuid.UUID]struct{}

	requireTickets bool
}

// NewLedger creates a Ledger. When requireTickets is false, ClaimBandwidth
// always takes the free-testnet-claim branch instead of spending an ecash
// ticket, mirroring the original client's try_claim_testnet_bandwidth path.
func NewLedger(requireTickets bool) *Ledger {
	return &Ledger{
		spent:          make(map[uuid.UUID]*Ticket),
		redeemed:       make(map[uuid.UUID]struct{}),
		requireTickets: requireTickets,
	}
}

// RequireTickets reports whether this ledger is configured to require real
// ecash tickets rather than a free testnet allowance.
func (l *Ledger) RequireTickets() bool {
	return l.requireTickets
}

// ClaimBandwidth begins spending a ticket worth value bytes. It returns the
// Ticket to hand to the gateway in a ClaimBandwidth control message. The
// ticket is provisional until Acknowledge or Revert is called.
func (l *Ledger) ClaimBandwidth(value int64) (*Ticket, error) {
	if value <= 0 {
		return nil, fmt.Errorf("bandwidth: claim value must be positive, got %d", value)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	t := &Ticket{ID: uuid.New(), Value: value, IsTestnet: !l.requireTickets}
	l.spent[t.ID] = t
	log.Debug().Str("ticket", t.ID.String()).Int64("value", value).Bool("testnet", t.IsTestnet).Msg("bandwidth ticket claimed")
	return t, nil
}

// Acknowledge marks a ticket as redeemed once the gateway confirms it
// accepted the claim. Redeeming the same ticket twice is a replay and
// returns gatewayerr.ErrTicketReplayed.
func (l *Ledger) Acknowledge(id uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, alreadyRedeemed := l.redeemed[id]; alreadyRedeemed {
		return gatewayerr.New(gatewayerr.KindBandwidth, "ledger.Acknowledge", gatewayerr.ErrTicketReplayed)
	}

	t, ok := l.spent[id]
	if !ok {
		return gatewayerr.New(gatewayerr.KindBandwidth, "ledger.Acknowledge", fmt.Errorf("unknown ticket %s", id))
	}

	t.Acknowledged = true
	l.redeemed[id] = struct{}{}
	delete(l.spent, id)
	if t.IsTestnet {
		l.available += t.Value
	}
	log.Debug().Str("ticket", id.String()).Msg("bandwidth ticket acknowledged")
	return nil
}

// Revert undoes a provisional claim that the gateway never acknowledged
// (e.g. the connection dropped before a response arrived): the ticket is
// dropped from the provisional set without being credited, so Available
// is unchanged.
func (l *Ledger) Revert(id uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.spent[id]
	if !ok {
		if _, wasRedeemed := l.redeemed[id]; wasRedeemed {
			return gatewayerr.New(gatewayerr.KindBandwidth, "ledger.Revert", fmt.Errorf("ticket %s already acknowledged, cannot revert", id))
		}
		return gatewayerr.New(gatewayerr.KindBandwidth, "ledger.Revert", fmt.Errorf("unknown ticket %s", id))
	}

	delete(l.spent, id)
	log.Debug().Str("ticket", id.String()).Msg("bandwidth ticket reverted")
	return nil
}

// Available returns the currently known available bandwidth in bytes.
func (l *Ledger) Available() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.available
}

// GrantTestnetBandwidth credits the free allowance directly, used when the
// gateway responds to a ClaimFreeTestnetBandwidth request without the
// client having pre-claimed a ticket.
func (l *Ledger) GrantTestnetBandwidth(value int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.available += value
}
