package discovery

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"korva/internal/config"
	"korva/internal/renderer"
)

func mockRendererServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/description.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<?xml version="1.0"?>
<root>
  <device>
    <deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType>
    <friendlyName>Test Renderer</friendlyName>
    <UDN>uuid:lister-test-1</UDN>
    <serviceList>
      <service>
        <serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
        <controlURL>/control/avtransport</controlURL>
      </service>
      <service>
        <serviceType>urn:schemas-upnp-org:service:ConnectionManager:1</serviceType>
        <controlURL>/control/connmgr</controlURL>
      </service>
    </serviceList>
  </device>
</root>`)
	})
	mux.HandleFunc("/control/connmgr", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <u:GetProtocolInfoResponse xmlns:u="urn:schemas-upnp-org:service:ConnectionManager:1">
      <Source></Source>
      <Sink>http-get:*:video/mp4:*</Sink>
    </u:GetProtocolInfoResponse>
  </s:Body>
</s:Envelope>`)
	})
	return httptest.NewServer(mux)
}

func newTestLister(client *http.Client) *Lister {
	cfg := config.DiscoveryConfig{
		SearchTarget:   "urn:schemas-upnp-org:device:MediaRenderer:1",
		SearchTimeout:  time.Second,
		SearchInterval: time.Minute,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewLister(cfg, logger, client, nil, nil, 0)
}

func TestProxyAvailableIntrospectsOnce(t *testing.T) {
	t.Parallel()

	srv := mockRendererServer(t)
	defer srv.Close()

	l := newTestLister(srv.Client())

	var mu sync.Mutex
	var seen []*renderer.Device
	done := make(chan struct{}, 1)
	l.OnAvailable = func(d *renderer.Device) {
		mu.Lock()
		seen = append(seen, d)
		mu.Unlock()
		done <- struct{}{}
	}

	location := srv.URL + "/description.xml"
	l.proxyAvailable("eth0", "uuid:lister-test-1", location)
	// A second announcement for the same UDN while introspection is
	// still in flight must not trigger a second Introspect call.
	l.proxyAvailable("eth0", "uuid:lister-test-1", location)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for OnAvailable")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("OnAvailable called %d times, want 1", len(seen))
	}
	if seen[0].UID != "uuid:lister-test-1" {
		t.Errorf("UID = %q, want uuid:lister-test-1", seen[0].UID)
	}

	if _, ok := l.Get("uuid:lister-test-1"); !ok {
		t.Errorf("Get: device not registered after introspection")
	}
}

func TestProxyAvailableOnKnownDeviceAddsProxy(t *testing.T) {
	t.Parallel()

	srv := mockRendererServer(t)
	defer srv.Close()

	l := newTestLister(srv.Client())
	done := make(chan struct{}, 1)
	l.OnAvailable = func(d *renderer.Device) { done <- struct{}{} }

	location := srv.URL + "/description.xml"
	l.proxyAvailable("eth0", "uuid:lister-test-1", location)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for OnAvailable")
	}

	d, ok := l.Get("uuid:lister-test-1")
	if !ok {
		t.Fatal("device not registered")
	}
	if d.ProxyCount() != 1 {
		t.Fatalf("ProxyCount = %d, want 1", d.ProxyCount())
	}

	l.proxyAvailable("wlan0", "uuid:lister-test-1", "http://10.0.0.9:1900/description.xml")
	if d.ProxyCount() != 2 {
		t.Fatalf("ProxyCount after second interface = %d, want 2", d.ProxyCount())
	}
}

func TestProxyUnavailableDropsLastProxy(t *testing.T) {
	t.Parallel()

	srv := mockRendererServer(t)
	defer srv.Close()

	l := newTestLister(srv.Client())
	done := make(chan struct{}, 1)
	l.OnAvailable = func(d *renderer.Device) { done <- struct{}{} }

	location := srv.URL + "/description.xml"
	l.proxyAvailable("eth0", "uuid:lister-test-1", location)
	<-done

	var unavailableUID string
	unavailDone := make(chan struct{}, 1)
	l.OnUnavailable = func(uid string) {
		unavailableUID = uid
		unavailDone <- struct{}{}
	}

	l.proxyUnavailable("uuid:lister-test-1", location)

	select {
	case <-unavailDone:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for OnUnavailable")
	}
	if unavailableUID != "uuid:lister-test-1" {
		t.Errorf("OnUnavailable uid = %q, want uuid:lister-test-1", unavailableUID)
	}
	if _, ok := l.Get("uuid:lister-test-1"); ok {
		t.Errorf("Get: device still registered after last proxy dropped")
	}
}
