package quic

import (
	"net"
	"sync"
)

// Registry holds the process-wide connection indexes: two hash maps
// (CID, Addr) over every live Connection on this endpoint. It is
// the single mutator of connection lifetime; a Connection is exclusively
// owned by its Registry.
type Registry struct {
	mu sync.RWMutex

	byCID  map[string]*Connection
	byAddr map[string]*Connection
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byCID:  make(map[string]*Connection),
		byAddr: make(map[string]*Connection),
	}
}

// Insert registers conn under every local CID it currently owns and, when
// it has a path[0], under that path's address pair too (whatever its CID
// length).
func (r *Registry) Insert(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cid := range conn.LocalCIDs() {
		r.byCID[cid.hashKey()] = conn
	}
	if addr := conn.PrimaryAddrKey(); addr != "" {
		r.byAddr[addr] = conn
	}

	connectionsActive.Inc()
}

// RegisterCID adds one more local CID → conn mapping, for CIDs minted after
// the connection was first inserted (NEW_CONNECTION_ID issuance, additional
// paths).
func (r *Registry) RegisterCID(cid ConnectionID, conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byCID[cid.hashKey()] = conn
}

// RegisterAddr indexes conn by a (peer, local) address pair, used for
// zero-length-CID deployments and for stateless-reset matching.
func (r *Registry) RegisterAddr(peer, local net.Addr, conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAddr[pairOf(peer, local).key()] = conn
}

// Lookup finds the connection an incoming packet belongs to: DCID match
// first, then (for zero-length-CID endpoints, or Initial/0-RTT with no
// CID match) address-based fallback, with address-only matches discarded
// when the packet type requires CID-based matching.
func (r *Registry) Lookup(dcid ConnectionID, peer, local net.Addr, zeroLengthCIDs bool, pktType PacketType) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if dcid.Len() > 0 {
		if conn, ok := r.byCID[dcid.hashKey()]; ok {
			return conn
		}
	}

	addrEligible := pktType == PacketInitial || pktType == PacketZeroRTT
	if zeroLengthCIDs || addrEligible {
		if conn, ok := r.byAddr[pairOf(peer, local).key()]; ok {
			return conn
		}
	}

	return nil
}

// LookupForStatelessReset matches by address only, regardless of packet
// type, per §4.2's "may still match an existing connection by address for
// stateless-reset detection only".
func (r *Registry) LookupForStatelessReset(peer, local net.Addr) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, _ := r.byAddr[pairOf(peer, local).key()]
	return conn
}

// Remove drops conn from both indexes. Called once a connection reaches
// Disconnected and is drained.
func (r *Registry) Remove(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cid := range conn.LocalCIDs() {
		if r.byCID[cid.hashKey()] == conn {
			delete(r.byCID, cid.hashKey())
		}
	}
	if addr := conn.PrimaryAddrKey(); addr != "" {
		if r.byAddr[addr] == conn {
			delete(r.byAddr, addr)
		}
	}

	conn.Reset()
	connectionsActive.Dec()
}

func (p addrPair) key() string {
	return p.peer + "|" + p.local
}
