package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"korva/internal/config"
	"korva/internal/icon"
	"korva/internal/observability"
	"korva/internal/renderer"
)

// Lister is the Device Lister (component F). It runs one SSDP control
// point per qualifying network interface, maintains the live device set
// plus the set of UDNs currently being introspected, and invokes
// OnAvailable/OnUnavailable exactly once per transition (§5: "a device
// is never emitted Available before introspection succeeds, and never
// emitted Unavailable more than once").
type Lister struct {
	cfg       config.DiscoveryConfig
	logger    *slog.Logger
	client    *http.Client
	iconCache *icon.Cache

	// events and originPort drive GENA subscription: a newly admitted
	// device is subscribed at http://<local addr>:<originPort>/event/<uid>
	// (§4.E "Observable state"). Either left zero-valued disables
	// subscription entirely — the Lister still functions without it.
	events     *renderer.EventSink
	originPort int

	OnAvailable   func(*renderer.Device)
	OnUnavailable func(uid string)

	mu      sync.Mutex
	devices map[string]*renderer.Device // UDN -> Device, introspection complete
	pending map[string]struct{}         // UDN -> introspection in flight

	// baseCtx is Run's context, used as the parent for GENA subscription
	// renewal loops so they outlive a single introspection's short-lived
	// context. It is nil until Run is called (e.g. unit tests driving
	// proxyAvailable directly), in which case subscribeDevice falls back
	// to context.Background().
	baseCtx context.Context
}

// NewLister constructs a Device Lister. client is used for both device
// description fetches and icon downloads during introspection. events and
// originPort, if non-nil/non-zero, enable GENA LastChange subscription
// against the HTTP Origin Server's listener; pass nil/0 to disable it.
func NewLister(cfg config.DiscoveryConfig, logger *slog.Logger, client *http.Client, iconCache *icon.Cache, events *renderer.EventSink, originPort int) *Lister {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Lister{
		cfg:        cfg,
		logger:     logger,
		client:     client,
		iconCache:  iconCache,
		events:     events,
		originPort: originPort,
		devices:    make(map[string]*renderer.Device),
		pending:    make(map[string]struct{}),
	}
}

// Run launches one control point per searchable interface and blocks
// until ctx is cancelled or every interface's control point has
// returned. Interfaces that come and go between calls to Run are not
// picked up automatically; a fresh interface list requires a fresh Run.
func (l *Lister) Run(ctx context.Context) error {
	l.baseCtx = ctx

	ifaces, err := searchableInterfaces(l.cfg.Interfaces)
	if err != nil {
		return err
	}
	if len(ifaces) == 0 {
		l.logger.Warn("no searchable network interfaces found")
		return nil
	}

	var wg sync.WaitGroup
	for _, iface := range ifaces {
		iface := iface
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.runInterface(ctx, iface)
		}()
	}
	wg.Wait()
	return nil
}

// runInterface owns one interface's control point: it listens for
// NOTIFY/search-response traffic and periodically re-sends M-SEARCH,
// until ctx is cancelled.
func (l *Lister) runInterface(ctx context.Context, iface net.Interface) {
	conn, _, err := listenOn(&iface)
	if err != nil {
		l.logger.Error("ssdp listen", "interface", iface.Name, "error", err)
		return
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go l.search(ctx, conn, iface.Name)

	buf := make([]byte, 4096)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Debug("ssdp read", "interface", iface.Name, "error", err)
			continue
		}
		l.handleMessage(iface.Name, string(buf[:n]))
	}
}

// search periodically broadcasts M-SEARCH for the configured search
// target until ctx is cancelled.
func (l *Lister) search(ctx context.Context, conn *net.UDPConn, ifaceName string) {
	dst, err := net.ResolveUDPAddr("udp4", ssdpAddr)
	if err != nil {
		l.logger.Error("resolve ssdp multicast address", "error", err)
		return
	}

	send := func() {
		msg := buildSearch(l.cfg.SearchTarget, l.cfg.SearchTimeout)
		if _, err := conn.WriteToUDP([]byte(msg), dst); err != nil {
			l.logger.Debug("ssdp search send", "interface", ifaceName, "error", err)
		}
	}

	send()
	ticker := time.NewTicker(l.cfg.SearchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}

// handleMessage dispatches a raw SSDP datagram: NOTIFY (alive/byebye) or
// an HTTP/1.1 200 M-SEARCH response, matching wysentanu-dlna-movie-
// cast's handleMessage dispatch.
func (l *Lister) handleMessage(ifaceName, message string) {
	lines := strings.SplitN(message, "\r\n", 2)
	if len(lines) == 0 {
		return
	}
	startLine := lines[0]
	headers := ssdpHeaders(message)

	switch {
	case strings.HasPrefix(startLine, "NOTIFY"):
		l.handleNotify(ifaceName, headers)
	case strings.HasPrefix(startLine, "HTTP/1.1 200"):
		l.handleSearchResponse(ifaceName, headers)
	}
}

func (l *Lister) handleNotify(ifaceName string, headers map[string]string) {
	nt := headers["NT"]
	if !l.matchesSearchTarget(nt) {
		return
	}
	udn := udnFromUSN(headers["USN"])
	location := headers["LOCATION"]
	if udn == "" || location == "" {
		return
	}

	switch headers["NTS"] {
	case "ssdp:alive":
		l.proxyAvailable(ifaceName, udn, location)
	case "ssdp:byebye":
		l.proxyUnavailable(udn, location)
	}
}

func (l *Lister) handleSearchResponse(ifaceName string, headers map[string]string) {
	st := headers["ST"]
	if !l.matchesSearchTarget(st) {
		return
	}
	udn := udnFromUSN(headers["USN"])
	location := headers["LOCATION"]
	if udn == "" || location == "" {
		return
	}
	l.proxyAvailable(ifaceName, udn, location)
}

func (l *Lister) matchesSearchTarget(st string) bool {
	return st == l.cfg.SearchTarget
}

// proxyAvailable implements §4.F's "device-proxy-available" transition:
// an already-known device just gains another proxy; an unknown one
// enters pending and is introspected once.
func (l *Lister) proxyAvailable(ifaceName, udn, location string) {
	l.mu.Lock()
	if d, ok := l.devices[udn]; ok {
		l.mu.Unlock()
		d.AddProxy(location)
		return
	}
	if _, ok := l.pending[udn]; ok {
		l.mu.Unlock()
		return
	}
	l.pending[udn] = struct{}{}
	l.mu.Unlock()

	go l.introspect(udn, location)
}

func (l *Lister) introspect(udn, location string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	d, err := renderer.Introspect(ctx, l.client, location, l.iconCache)

	l.mu.Lock()
	delete(l.pending, udn)
	if err != nil {
		l.mu.Unlock()
		l.logger.Debug("rejected candidate renderer", "udn", udn, "location", location, "error", err)
		return
	}
	l.devices[udn] = d
	l.mu.Unlock()

	if l.events != nil && l.originPort > 0 {
		l.subscribeDevice(d)
	}

	observability.DevicesCurrent.Inc()
	l.logger.Info("device available", "uid", d.UID, "name", d.DisplayName)
	if l.OnAvailable != nil {
		l.OnAvailable(d)
	}
}

// subscribeDevice registers d with the event sink and issues its GENA
// subscription, addressed at the local interface/address that shares a
// subnet with the device — the same resolution the Push Coordinator uses
// to pick a reachable host address for a lease URL (§4.G step 4).
// Failures are logged, not fatal: a device without a working subscription
// is still admitted and pushable, just without observable transport state.
func (l *Lister) subscribeDevice(d *renderer.Device) {
	ctx := l.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}

	deviceIP, err := d.IP()
	if err != nil {
		l.logger.Debug("gena subscribe: resolve device IP", "uid", d.UID, "error", err)
		return
	}
	ifaceName, err := InterfaceFor(deviceIP)
	if err != nil || ifaceName == "" {
		l.logger.Debug("gena subscribe: no local interface shares a subnet", "uid", d.UID)
		return
	}
	hostAddr, err := LocalAddrFor(ifaceName)
	if err != nil {
		l.logger.Debug("gena subscribe: resolve local address", "uid", d.UID, "error", err)
		return
	}

	callback := renderer.CallbackURL(fmt.Sprintf("%s:%d", hostAddr, l.originPort), d.UID)
	l.events.Register(d)
	if err := d.Subscribe(ctx, l.client, callback); err != nil {
		l.logger.Debug("gena subscribe failed", "uid", d.UID, "error", err)
	}
}

// proxyUnavailable implements §4.F's "device-proxy-unavailable"
// transition.
func (l *Lister) proxyUnavailable(udn, location string) {
	l.mu.Lock()
	d, ok := l.devices[udn]
	if !ok {
		l.mu.Unlock()
		return
	}
	wasLast := d.RemoveProxy(location)
	if wasLast {
		delete(l.devices, udn)
	}
	l.mu.Unlock()

	if wasLast {
		if l.events != nil {
			l.events.Unregister(udn)
		}
		observability.DevicesCurrent.Dec()
		l.logger.Info("device unavailable", "uid", udn)
		if l.OnUnavailable != nil {
			l.OnUnavailable(udn)
		}
	}
}

// Devices returns a snapshot of every introspected, live device.
func (l *Lister) Devices() []*renderer.Device {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*renderer.Device, 0, len(l.devices))
	for _, d := range l.devices {
		out = append(out, d)
	}
	return out
}

// Get resolves a UID to its Device.
func (l *Lister) Get(uid string) (*renderer.Device, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.devices[uid]
	return d, ok
}
