package renderer

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Transport state values observable through GENA eventing (§4.E
// "Observable state").
const (
	StateStopped       = "STOPPED"
	StatePlaying        = "PLAYING"
	StatePaused         = "PAUSED_PLAYBACK"
	StateTransitioning  = "TRANSITIONING"
)

// lastChangeEvent mirrors the AVTransport LastChange event body: one
// <InstanceID> element carrying zero or more val-attribute child elements,
// of which only TransportState is interesting here.
type lastChangeEvent struct {
	InstanceID struct {
		TransportState struct {
			Val string `xml:"val,attr"`
		} `xml:"TransportState"`
	} `xml:"InstanceID"`
}

// propertySet is the GENA NOTIFY body: one or more <property> elements,
// one of which carries the LastChange payload as XML-escaped inner text.
type propertySet struct {
	Properties []struct {
		LastChange string `xml:"LastChange"`
	} `xml:"property"`
}

// TransportState returns the most recently observed AVTransport
// TransportState, or "" if no LastChange event has arrived yet (no
// subscription, or the renderer hasn't sent one since subscribing).
func (d *Device) TransportState() string {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.transportState
}

// Subscribe issues a GENA SUBSCRIBE request against the device's
// AVTransport event URL, registering callbackURL to receive LastChange
// NOTIFY requests, and starts a background loop that renews the
// subscription before its granted timeout elapses. The loop exits when ctx
// is canceled or a renewal is rejected.
func (d *Device) Subscribe(ctx context.Context, client *http.Client, callbackURL string) error {
	if d.avTransportEventURL == "" {
		return fmt.Errorf("device %s: no AVTransport eventSubURL", d.UID)
	}
	if client == nil {
		client = http.DefaultClient
	}

	sid, timeout, err := subscribeGENA(ctx, client, d.avTransportEventURL, callbackURL)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	d.stateMu.Lock()
	d.subscriptionID = sid
	d.stateMu.Unlock()

	go d.renewLoop(ctx, client, timeout)
	return nil
}

// renewLoop re-subscribes at 80% of the granted lease, the same margin
// wysentanu-dlna-movie-cast's poller uses for its own periodic refresh.
func (d *Device) renewLoop(ctx context.Context, client *http.Client, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	renewEvery := timeout * 4 / 5

	ticker := time.NewTicker(renewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.stateMu.Lock()
			sid := d.subscriptionID
			d.stateMu.Unlock()
			if sid == "" {
				return
			}
			next, err := renewGENA(ctx, client, d.avTransportEventURL, sid)
			if err != nil {
				return
			}
			if next > 0 {
				timeout = next
				ticker.Reset(timeout * 4 / 5)
			}
		}
	}
}

func subscribeGENA(ctx context.Context, client *http.Client, eventURL, callbackURL string) (sid string, timeout time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", eventURL, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("CALLBACK", "<"+callbackURL+">")
	req.Header.Set("NT", "upnp:event")
	req.Header.Set("TIMEOUT", "Second-300")

	resp, err := client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("http status %d", resp.StatusCode)
	}
	return resp.Header.Get("SID"), parseGENATimeout(resp.Header.Get("TIMEOUT")), nil
}

func renewGENA(ctx context.Context, client *http.Client, eventURL, sid string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", eventURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("SID", sid)
	req.Header.Set("TIMEOUT", "Second-300")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("http status %d", resp.StatusCode)
	}
	return parseGENATimeout(resp.Header.Get("TIMEOUT")), nil
}

func parseGENATimeout(header string) time.Duration {
	const prefix = "Second-"
	if !strings.HasPrefix(header, prefix) {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimPrefix(header, prefix))
	if err != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// applyNotify parses a GENA NOTIFY body and updates the observed
// TransportState from its embedded LastChange event.
func (d *Device) applyNotify(body []byte) error {
	var ps propertySet
	if err := xml.Unmarshal(body, &ps); err != nil {
		return fmt.Errorf("parse NOTIFY propertyset: %w", err)
	}

	for _, prop := range ps.Properties {
		if prop.LastChange == "" {
			continue
		}
		var evt lastChangeEvent
		if err := xml.Unmarshal([]byte(prop.LastChange), &evt); err != nil {
			continue
		}
		if evt.InstanceID.TransportState.Val == "" {
			continue
		}
		d.stateMu.Lock()
		d.transportState = evt.InstanceID.TransportState.Val
		d.stateMu.Unlock()
	}
	return nil
}
