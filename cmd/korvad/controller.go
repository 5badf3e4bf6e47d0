package main

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"korva/internal/discovery"
	"korva/internal/icon"
	"korva/internal/ipc"
	"korva/internal/korvaerr"
	"korva/internal/push"
	"korva/internal/renderer"
)

// controller is korvad's concrete implementation of ipc.ControllerAPI
// (§6): the object a transport binding (D-Bus or otherwise) would expose
// at /Controller. The transport itself is out of scope per §1, but the
// method bodies a binding would call into live here, not in a stub.
type controller struct {
	lister      *discovery.Lister
	coordinator *push.Coordinator
	iconCache   *icon.Cache

	// pushLimiter bounds the rate of distinct Push calls accepted per
	// minute (§11: a defensive measure layered on top of, not instead
	// of, the per-device serialization renderer.Device already
	// enforces).
	pushLimiter *rate.Limiter
}

var _ ipc.ControllerAPI = (*controller)(nil)

func newController(lister *discovery.Lister, coordinator *push.Coordinator, iconCache *icon.Cache, ratePerMinute, burst int) *controller {
	return &controller{
		lister:      lister,
		coordinator: coordinator,
		iconCache:   iconCache,
		pushLimiter: rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), burst),
	}
}

// GetDevices implements ipc.ControllerAPI.GetDevices, including the
// empty-map sentinel §6/§8 require in place of an empty array.
func (c *controller) GetDevices() []ipc.DeviceInfo {
	devices := c.lister.Devices()
	if len(devices) == 0 {
		return ipc.EmptyDeviceList()
	}

	out := make([]ipc.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		out = append(out, c.deviceInfo(d))
	}
	return out
}

// GetDeviceInfo implements ipc.ControllerAPI.GetDeviceInfo.
func (c *controller) GetDeviceInfo(uid string) (ipc.DeviceInfo, bool) {
	d, ok := c.lister.Get(uid)
	if !ok {
		return ipc.DeviceInfo{}, false
	}
	return c.deviceInfo(d), true
}

// Push implements ipc.ControllerAPI.Push, applying the Push-call rate
// gate before handing off to the Coordinator.
func (c *controller) Push(source ipc.PushSource, uid string) (string, error) {
	if !c.pushLimiter.Allow() {
		return "", korvaerr.New("controller.Push", korvaerr.InvalidArgs, fmt.Errorf("push rate limit exceeded"))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return c.coordinator.Push(ctx, source, uid)
}

// Unshare implements ipc.ControllerAPI.Unshare.
func (c *controller) Unshare(tag string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.coordinator.Unshare(ctx, tag)
}

// deviceInfo maps a renderer.Device to the wire shape §6 specifies,
// falling back to the icon cache's built-in default when introspection
// didn't download one (§4.A, §4.E step 4).
func (c *controller) deviceInfo(d *renderer.Device) ipc.DeviceInfo {
	iconURI := d.IconURI
	if iconURI == "" && c.iconCache != nil {
		iconURI = icon.FileURL(c.iconCache.DefaultFor(icon.DeviceType(d.DeviceType)))
	}
	return ipc.DeviceInfo{
		UID:         d.UID,
		DisplayName: d.DisplayName,
		IconURI:     iconURI,
		Protocol:    "UPnP",
		Type:        d.DeviceType,
	}
}
