package renderer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"korva/internal/icon"
	"korva/internal/korvaerr"
)

// State is the introspection state machine from §9 Design Notes.
type State string

const (
	Classifying State = "Classifying"
	Probing     State = "Probing"
	FetchingIcon State = "FetchingIcon"
	Ready       State = "Ready"
	Rejected    State = "Rejected"
)

// rejection reasons: internal, never surfaced as IPC errors (§7).
var (
	errInvalidDeviceType = fmt.Errorf("invalid device type")
	errNotARenderer      = fmt.Errorf("device is a MediaServer, not a MediaRenderer")
	errMissingService    = fmt.Errorf("missing AVTransport or ConnectionManager service")
	errEmptySink         = fmt.Errorf("ConnectionManager reported an empty Sink")
)

// Device is one introspected MediaRenderer: its service handles, its
// accepted ProtocolInfo list, and the multiset of network proxies it is
// reachable through (§3, §4.E, §9).
type Device struct {
	UID          string
	DisplayName  string
	IconURI      string
	DeviceType   string // "Player" for everything admitted
	Sink         string // raw ConnectionManager Sink list

	avTransportURL       string
	connectionManagerURL string
	avTransportEventURL  string
	client               *http.Client

	// pushMu serializes AVTransport control actions per device (§5:
	// "A push in progress blocks a second push to the same device").
	pushMu sync.Mutex

	proxyMu sync.Mutex
	proxies map[string]struct{} // set of device description Locations

	// stateMu guards the GENA subscription and the TransportState it
	// reports (§4.E "Observable state is derived from the renderer's
	// LastChange event stream").
	stateMu         sync.Mutex
	subscriptionID  string
	transportState  string
}

// Introspect runs the asynchronous, once-per-device introspection chain
// described in §4.E: classify, locate services, GetProtocolInfo, fetch
// icon. A Server-typed device or one missing a required service returns a
// non-nil error; the Device Lister treats that as silent rejection, never
// an IPC error (§7).
func Introspect(ctx context.Context, client *http.Client, location string, iconCache *icon.Cache) (*Device, error) {
	if client == nil {
		client = http.DefaultClient
	}

	desc, err := fetchDescription(ctx, client, location)
	if err != nil {
		return nil, err
	}

	kind, ok := classify(desc.Device.DeviceType)
	if !ok {
		return nil, errInvalidDeviceType
	}
	if kind == "Server" {
		return nil, errNotARenderer
	}

	avURL := locateService(desc, location, avTransportType)
	cmURL := locateService(desc, location, connectionManagerType)
	if avURL == "" || cmURL == "" {
		return nil, errMissingService
	}
	avEventURL := locateEventURL(desc, location, avTransportType)

	sink, err := getProtocolInfo(ctx, client, cmURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMissingService, err)
	}
	if strings.TrimSpace(sink) == "" {
		return nil, errEmptySink
	}

	d := &Device{
		UID:                  desc.Device.UDN,
		DisplayName:          desc.Device.FriendlyName,
		DeviceType:           kind,
		Sink:                 sink,
		avTransportURL:       avURL,
		connectionManagerURL: cmURL,
		avTransportEventURL:  avEventURL,
		client:               client,
		proxies:              map[string]struct{}{location: {}},
	}

	if iconCache != nil {
		if iconURL, ok := bestIcon(desc, location); ok {
			if path, err := downloadIcon(ctx, client, iconCache, desc.Device.UDN, iconURL); err == nil {
				d.IconURI = icon.FileURL(path)
			}
			// Download/decode failure is not fatal (§4.E step 4): the
			// device is admitted without an icon.
		}
	}

	return d, nil
}

func downloadIcon(ctx context.Context, client *http.Client, cache *icon.Cache, uid, iconURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iconURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return cache.Store(uid, data)
}

// AddProxy attaches a newly-seen network endpoint for this device (§4.E
// "Multi-interface handling").
func (d *Device) AddProxy(location string) {
	d.proxyMu.Lock()
	defer d.proxyMu.Unlock()
	d.proxies[location] = struct{}{}
}

// RemoveProxy detaches an endpoint and reports whether it was the last one
// remaining — only then is the device considered gone.
func (d *Device) RemoveProxy(location string) (wasLast bool) {
	d.proxyMu.Lock()
	defer d.proxyMu.Unlock()
	delete(d.proxies, location)
	return len(d.proxies) == 0
}

// ProxyCount reports how many network endpoints currently back this
// device.
func (d *Device) ProxyCount() int {
	d.proxyMu.Lock()
	defer d.proxyMu.Unlock()
	return len(d.proxies)
}

// IP returns the device's network address, as parsed from its
// AVTransport control URL. The Push Coordinator uses it to pick a host
// interface that shares a subnet with the device (§4.G step 4) and as
// the peer key granted on the Host Lease.
func (d *Device) IP() (net.IP, error) {
	u, err := url.Parse(d.avTransportURL)
	if err != nil {
		return nil, fmt.Errorf("parse control URL %s: %w", d.avTransportURL, err)
	}
	host := u.Hostname()
	ip := net.ParseIP(host)
	if ip == nil {
		addrs, err := net.LookupIP(host)
		if err != nil || len(addrs) == 0 {
			return nil, fmt.Errorf("resolve device host %s", host)
		}
		ip = addrs[0]
	}
	return ip, nil
}

// Accepts reports whether the device's Sink list contains an entry
// compatible with the lease's ProtocolInfo, matched on mime type and, when
// present on both sides, DLNA profile (§4.E "Protocol-info matching").
func (d *Device) Accepts(leaseProtocolInfo string) bool {
	wantMime, wantProfile := parseProtocolInfo(leaseProtocolInfo)

	for entry := range strings.SplitSeq(d.Sink, ",") {
		mime, profile := parseProtocolInfo(strings.TrimSpace(entry))
		if mime != "*" && mime != wantMime {
			continue
		}
		if wantProfile != "" && profile != "" && profile != wantProfile {
			continue
		}
		return true
	}
	return false
}

// parseProtocolInfo extracts the mime type (field 3) and, if present, the
// DLNA.ORG_PN value from a ProtocolInfo four-tuple string.
func parseProtocolInfo(info string) (mime, profile string) {
	fields := strings.SplitN(info, ":", 4)
	if len(fields) < 3 {
		return "", ""
	}
	mime = fields[2]
	if len(fields) == 4 {
		for part := range strings.SplitSeq(fields[3], ";") {
			if name, value, ok := strings.Cut(part, "="); ok && name == "DLNA.ORG_PN" {
				profile = value
			}
		}
	}
	return mime, profile
}

// pushTimeout bounds every AVTransport control call (§5: "every SOAP call
// has a bounded deadline; timeout surfaces as TIMEOUT").
const pushTimeout = 10 * time.Second

// Push drives the AVTransport state machine described in §4.E: best-effort
// Stop, SetAVTransportURI (retried once on a 705 Transport Locked), then
// Play. Calls are serialized per device (§5).
func (d *Device) Push(ctx context.Context, url, didl string) error {
	d.pushMu.Lock()
	defer d.pushMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	if err := stop(ctx, d.client, d.avTransportURL); err != nil {
		// A transient Stop failure before SetAVTransportURI is not fatal
		// (§7), but worth a trace since it may explain a later Play fault.
		slog.Default().Debug("push: best-effort stop failed", "device", d.UID, "error", err)
	}

	if err := setAVTransportURI(ctx, d.client, d.avTransportURL, url, didl); err != nil {
		if isTransportLocked(err) {
			if err2 := setAVTransportURI(ctx, d.client, d.avTransportURL, url, didl); err2 != nil {
				return korvaerr.New("renderer.Push", korvaerr.Timeout, err2)
			}
		} else {
			return korvaerr.New("renderer.Push", korvaerr.NotCompatible, err)
		}
	}

	if err := play(ctx, d.client, d.avTransportURL); err != nil {
		return korvaerr.New("renderer.Push", korvaerr.NotCompatible, err)
	}

	return nil
}

// Stop issues a best-effort AVTransport.Stop, used by Unshare (§4.G).
func (d *Device) Stop(ctx context.Context) error {
	d.pushMu.Lock()
	defer d.pushMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()
	return stop(ctx, d.client, d.avTransportURL)
}
