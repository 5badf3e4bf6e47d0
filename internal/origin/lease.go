// Package origin implements the Host Lease registry (component D) and the
// HTTP Origin Server that serves leased files to their peers (component C).
package origin

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"korva/internal/metadata"
)

// Lease is one entry in the registry: a locally-hosted file, the peers
// permitted to fetch it, and the idle-eviction timer described in §3/§4.D.
type Lease struct {
	mu sync.Mutex

	id   string
	file string
	meta metadata.Record

	peers    map[string]struct{}
	inFlight int

	idleTimeout time.Duration
	timer       *time.Timer
	onIdle      func(id string)
}

// Id is the stable MD5-of-source-URI identifier used in the outward URL
// (grounded on korva-upnp-host-data.c's get_id/get_uri).
func (l *Lease) Id() string { return l.id }

// File is the absolute path or URI of the hosted source.
func (l *Lease) File() string { return l.file }

// Meta returns the lease's metadata record. The Host Lease owns the record;
// callers must not mutate the returned value.
func (l *Lease) Meta() metadata.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.meta
}

// ProtocolInfo is computed from the metadata record on every call; the
// result is not cached.
func (l *Lease) ProtocolInfo() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return metadata.ProtocolInfo(l.meta)
}

// ValidForPeer reports whether peer is permitted to fetch this lease.
func (l *Lease) ValidForPeer(peer string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.peers[peer]
	return ok
}

// addPeer adds peer to the lease (idempotent) and touches the lease.
func (l *Lease) addPeer(peer string) {
	l.mu.Lock()
	l.peers[peer] = struct{}{}
	l.resetTimerLocked()
	l.mu.Unlock()
}

// removePeer removes peer from the lease. It reports whether the lease is
// now eligible for idle eviction (no peers, no in-flight requests).
func (l *Lease) removePeer(peer string) (eligible bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.peers, peer)
	return l.idleLocked()
}

// touchStart marks the beginning of a request: it increments InFlightRequests
// and cancels the idle timer (§4.C: "resolves <id> to its Lease, increments
// InFlightRequests, cancels the idle timer").
func (l *Lease) touchStart() {
	l.mu.Lock()
	l.inFlight++
	l.cancelTimerLocked()
	l.mu.Unlock()
}

// touchEnd marks the end of a request. When InFlightRequests reaches zero
// and peers remain, the idle timer restarts; when both reach zero, the
// lease begins its idle countdown.
func (l *Lease) touchEnd() {
	l.mu.Lock()
	l.inFlight--
	if l.inFlight < 0 {
		l.inFlight = 0
	}
	if l.inFlight == 0 {
		l.resetTimerLocked()
	}
	l.mu.Unlock()
}

// idleLocked reports eligibility for eviction; caller must hold l.mu.
func (l *Lease) idleLocked() bool {
	return len(l.peers) == 0 && l.inFlight == 0
}

func (l *Lease) resetTimerLocked() {
	l.cancelTimerLocked()
	if l.onIdle == nil {
		return
	}
	l.timer = time.AfterFunc(l.idleTimeout, func() {
		l.onIdle(l.id)
	})
}

func (l *Lease) cancelTimerLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// stop cancels the idle timer permanently, used when the registry evicts
// the lease outright.
func (l *Lease) stop() {
	l.mu.Lock()
	l.cancelTimerLocked()
	l.mu.Unlock()
}

// computeId hashes uri with MD5 and hex-encodes it, matching
// korva_upnp_host_data_get_id.
func computeId(uri string) string {
	sum := md5.Sum([]byte(uri))
	return hex.EncodeToString(sum[:])
}

// uriFor renders the outward URL for a lease's Id on the given interface and
// port, matching korva_upnp_host_data_get_uri's "/item/<hash>" scheme.
func uriFor(iface string, port int, id string) string {
	return fmt.Sprintf("http://%s:%d/item/%s", iface, port, id)
}
