package renderer

import (
	"io"
	"net/http"
	"strings"
	"sync"
)

// EventSink is the GENA NOTIFY callback endpoint for every Device a
// process is subscribed to, dispatching by UID under "/event/<uid>" (§4.E
// "Observable state"). One process runs exactly one sink, mounted onto the
// same HTTP listener the Origin Server already binds.
type EventSink struct {
	mu      sync.Mutex
	devices map[string]*Device
}

// NewEventSink returns an empty EventSink.
func NewEventSink() *EventSink {
	return &EventSink{devices: make(map[string]*Device)}
}

// Register makes d reachable at its callback path. Call this before
// Device.Subscribe so a NOTIFY arriving immediately after subscribing
// always finds its target.
func (s *EventSink) Register(d *Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.UID] = d
}

// Unregister removes a device, e.g. once the Device Lister reports it
// gone from the network.
func (s *EventSink) Unregister(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, uid)
}

// CallbackURL renders the outward GENA callback URL for uid, given the
// process's externally reachable host:port.
func CallbackURL(hostPort, uid string) string {
	return "http://" + hostPort + "/event/" + uid
}

// ServeHTTP implements the GENA NOTIFY handler: resolve the UID in the
// path to a registered Device and feed it the LastChange body. Unlike the
// Origin Server's /item/ space, this path carries no peer scoping — GENA
// subscriptions are addressed by UID, not by file lease.
func (s *EventSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "NOTIFY" {
		w.Header().Set("Allow", "NOTIFY")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uid := strings.TrimPrefix(r.URL.Path, "/event/")
	s.mu.Lock()
	d := s.devices[uid]
	s.mu.Unlock()
	if d == nil {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	if err := d.applyNotify(body); err != nil {
		// Malformed LastChange bodies are logged by the caller's wiring,
		// not here; the sink has no logger and the renderer doesn't care
		// about our response beyond the status code.
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}
