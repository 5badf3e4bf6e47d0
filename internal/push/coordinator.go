// Package push implements the Push Coordinator (component G): it wires
// the Metadata Resolver, HTTP Origin Server, Host Lease registry, and
// Renderer Device together into the two end-to-end operations the IPC
// surface exposes, Push and Unshare (§4.G).
package push

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"korva/internal/discovery"
	"korva/internal/ipc"
	"korva/internal/korvaerr"
	"korva/internal/metadata"
	"korva/internal/observability"
	"korva/internal/origin"
	"korva/internal/renderer"
)

// DeviceLookup is the subset of the Device Lister a Coordinator needs;
// satisfied by *discovery.Lister.
type DeviceLookup interface {
	Get(uid string) (*renderer.Device, bool)
}

// transfer is what a tag resolves to: exactly the (device, lease, peer)
// triple the spec's Tag invariant describes.
type transfer struct {
	device *renderer.Device
	lease  *origin.Lease
	peer   string
}

// Coordinator implements push/unshare.
type Coordinator struct {
	devices  DeviceLookup
	registry *origin.Registry
	server   *origin.Server
	logger   *slog.Logger

	mu   sync.Mutex
	tags map[string]transfer
}

func NewCoordinator(devices DeviceLookup, registry *origin.Registry, server *origin.Server, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		devices:  devices,
		registry: registry,
		server:   server,
		logger:   logger,
		tags:     make(map[string]transfer),
	}
}

// Push implements §4.G's 9-step push algorithm.
func (c *Coordinator) Push(ctx context.Context, source ipc.PushSource, deviceUID string) (tag string, err error) {
	defer func() {
		observability.PushesTotal.WithLabelValues(string(korvaerr.KindOf(err))).Inc()
	}()

	if strings.TrimSpace(source.URI) == "" {
		return "", korvaerr.New("push.Push", korvaerr.InvalidArgs, fmt.Errorf("source.URI is required"))
	}

	device, ok := c.devices.Get(deviceUID)
	if !ok {
		return "", korvaerr.New("push.Push", korvaerr.NoSuchDevice, fmt.Errorf("unknown device %s", deviceUID))
	}

	path, err := filePathFromURI(source.URI)
	if err != nil {
		return "", korvaerr.New("push.Push", korvaerr.InvalidArgs, err)
	}

	partial := metadata.Record{
		Title:       source.Title,
		ContentType: source.ContentType,
		DLNAProfile: source.DLNAProfile,
		Size:        int64(source.Size),
	}
	rec, err := metadata.Resolve(path, partial)
	if err != nil {
		return "", err // already a *korvaerr.Error (FILE_NOT_FOUND / NOT_ACCESSIBLE)
	}

	deviceIP, err := device.IP()
	if err != nil {
		return "", korvaerr.New("push.Push", korvaerr.NotCompatible, err)
	}
	ifaceName, err := discovery.InterfaceFor(deviceIP)
	if err != nil || ifaceName == "" {
		return "", korvaerr.New("push.Push", korvaerr.NotCompatible, fmt.Errorf("no local interface shares a subnet with %s", deviceIP))
	}
	hostAddr, err := discovery.LocalAddrFor(ifaceName)
	if err != nil {
		return "", korvaerr.New("push.Push", korvaerr.NotCompatible, err)
	}

	peer := deviceIP.String()
	lease := c.registry.HostFile(path, rec, peer)
	resURL := c.server.URLFor(hostAddr, lease)

	if !device.Accepts(lease.ProtocolInfo()) {
		c.registry.UnhostForPeer(path, peer)
		return "", korvaerr.New("push.Push", korvaerr.NotCompatible,
			fmt.Errorf("device %s does not accept %s", deviceUID, lease.ProtocolInfo()))
	}

	didl := renderer.BuildDIDL(lease.Id(), rec.UPnPClass, rec.Title, rec, resURL)

	if err := device.Push(ctx, resURL, didl); err != nil {
		c.registry.UnhostForPeer(path, peer)
		return "", err
	}

	tag = mintTag(deviceUID, lease.Id(), peer)
	c.mu.Lock()
	c.tags[tag] = transfer{device: device, lease: lease, peer: peer}
	c.mu.Unlock()

	return tag, nil
}

// Unshare implements §4.G's unshare algorithm.
func (c *Coordinator) Unshare(ctx context.Context, tag string) error {
	c.mu.Lock()
	t, ok := c.tags[tag]
	if ok {
		delete(c.tags, tag)
	}
	c.mu.Unlock()
	if !ok {
		return korvaerr.New("push.Unshare", korvaerr.NoSuchTransfer, fmt.Errorf("unknown tag %s", tag))
	}

	if err := t.device.Stop(ctx); err != nil {
		c.logger.Debug("unshare: best-effort stop failed", "tag", tag, "error", err)
	}

	c.registry.UnhostForPeer(t.lease.File(), t.peer)
	return nil
}

// mintTag derives an opaque tag from the (device, lease, peer) triple,
// matching the Host Lease Id convention of an MD5 hex digest (§3).
func mintTag(deviceUID, leaseID, peer string) string {
	sum := md5.Sum([]byte(deviceUID + "|" + leaseID + "|" + peer))
	return hex.EncodeToString(sum[:])
}

// filePathFromURI accepts either a bare filesystem path or a file://
// URL, matching the "absolute file URL" contract of §6's Push source.
func filePathFromURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse source URI %s: %w", uri, err)
	}
	if u.Scheme == "" || u.Scheme == "file" {
		if u.Path != "" {
			return u.Path, nil
		}
		return uri, nil
	}
	return "", fmt.Errorf("unsupported source URI scheme %q", u.Scheme)
}
