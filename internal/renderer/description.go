package renderer

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
)

type description struct {
	XMLName xml.Name   `xml:"root"`
	Device  deviceDesc `xml:"device"`
}

type deviceDesc struct {
	DeviceType   string      `xml:"deviceType"`
	FriendlyName string      `xml:"friendlyName"`
	UDN          string      `xml:"UDN"`
	IconList     iconList    `xml:"iconList"`
	ServiceList  serviceList `xml:"serviceList"`
}

type iconList struct {
	Icons []iconDesc `xml:"icon"`
}

type iconDesc struct {
	Mimetype string `xml:"mimetype"`
	Width    int    `xml:"width"`
	Height   int    `xml:"height"`
	URL      string `xml:"url"`
}

type serviceList struct {
	Services []serviceDesc `xml:"service"`
}

type serviceDesc struct {
	ServiceType string `xml:"serviceType"`
	ControlURL  string `xml:"controlURL"`
	EventSubURL string `xml:"eventSubURL"`
}

var (
	mediaServerType   = regexp.MustCompile(`MediaServer:\d+$`)
	mediaRendererType = regexp.MustCompile(`MediaRenderer:\d+$`)

	avTransportType      = regexp.MustCompile(`:service:AVTransport:\d+$`)
	connectionManagerType = regexp.MustCompile(`:service:ConnectionManager:\d+$`)
)

// classify implements §4.E step 1.
func classify(deviceType string) (kind string, ok bool) {
	switch {
	case mediaServerType.MatchString(deviceType):
		return "Server", true
	case mediaRendererType.MatchString(deviceType):
		return "Player", true
	default:
		return "", false
	}
}

// fetchDescription retrieves and parses a device's description document,
// matching wysentanu-dlna-movie-cast's getAVTransportControlURL fetch step
// but using encoding/xml instead of manual string search.
func fetchDescription(ctx context.Context, client *http.Client, location string) (*description, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("build description request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch description %s: %w", location, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read description %s: %w", location, err)
	}

	var desc description
	if err := xml.Unmarshal(body, &desc); err != nil {
		return nil, fmt.Errorf("parse description %s: %w", location, err)
	}
	return &desc, nil
}

// locateService returns the absolute control URL for the service whose
// serviceType matches want, resolved against base (the device description
// location), or "" if not present.
func locateService(desc *description, base string, want *regexp.Regexp) string {
	for _, svc := range desc.Device.ServiceList.Services {
		if want.MatchString(svc.ServiceType) {
			return resolveURL(base, svc.ControlURL)
		}
	}
	return ""
}

// locateEventURL returns the absolute GENA event subscription URL for the
// service whose serviceType matches want, or "" if the service is absent or
// doesn't advertise one (§4.E "Observable state").
func locateEventURL(desc *description, base string, want *regexp.Regexp) string {
	for _, svc := range desc.Device.ServiceList.Services {
		if want.MatchString(svc.ServiceType) {
			return resolveURL(base, svc.EventSubURL)
		}
	}
	return ""
}

// bestIcon prefers a 64x64 image/png, falling back to 64x64 image/jpeg,
// per §4.E step 4.
func bestIcon(desc *description, base string) (string, bool) {
	var png, jpeg string
	for _, ic := range desc.Device.IconList.Icons {
		if ic.Width != 64 || ic.Height != 64 {
			continue
		}
		switch ic.Mimetype {
		case "image/png":
			png = resolveURL(base, ic.URL)
		case "image/jpeg":
			jpeg = resolveURL(base, ic.URL)
		}
	}
	if png != "" {
		return png, true
	}
	if jpeg != "" {
		return jpeg, true
	}
	return "", false
}

// resolveURL resolves ref against base, returning ref unchanged if either
// fails to parse (renderers occasionally advertise already-absolute URLs).
func resolveURL(base, ref string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}
