package mockgateway

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"

	"github.com/nymproject/gateway-client/internal/bandwidth"
	"github.com/nymproject/gateway-client/internal/sharedkey"
)

// session is everything the mock gateway remembers about one connected
// client, keyed by the client's identity public key so a later
// authenticate call on a new connection can resume it.
type session struct {
	ClientIdentityKey string
	Key               *sharedkey.SharedKey
	Ledger            *bandwidth.Ledger
	LastSeen          time.Time

	// Upstream is the plaintext TCP connection dialed from the first
	// reassembled message on this session, which is read as a SOCKS5-style
	// target address. Nil until that first message arrives.
	Upstream net.Conn

	mu sync.Mutex
}

// sessionManager tracks sessions with a TTL, refreshed on every access, the
// same pattern the teacher used for its DNS-tunnel sessions.
type sessionManager struct {
	store *cache.Cache
}

func newSessionManager() *sessionManager {
	return &sessionManager{store: cache.New(10*time.Minute, 15*time.Minute)}
}

func (sm *sessionManager) getOrCreate(clientIdentityKey string, requireTickets bool) *session {
	if val, found := sm.store.Get(clientIdentityKey); found {
		sess := val.(*session)
		sm.store.Set(clientIdentityKey, sess, cache.DefaultExpiration)
		sess.mu.Lock()
		sess.LastSeen = time.Now()
		sess.mu.Unlock()
		return sess
	}

	sess := &session{
		ClientIdentityKey: clientIdentityKey,
		Ledger:            bandwidth.NewLedger(requireTickets),
		LastSeen:          time.Now(),
	}
	sm.store.Set(clientIdentityKey, sess, cache.DefaultExpiration)
	return sess
}

func (sm *sessionManager) get(clientIdentityKey string) (*session, bool) {
	val, found := sm.store.Get(clientIdentityKey)
	if !found {
		return nil, false
	}
	sm.store.Set(clientIdentityKey, val, cache.DefaultExpiration)
	return val.(*session), true
}

func newTicketID() string { return uuid.New().String() }
