package renderer

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"korva/internal/icon"
)

// mockRenderer is a minimal stand-in for a MediaRenderer, grounded on the
// role of the original project's tests/mock-dmr fixture: it serves a
// device description and answers AVTransport/ConnectionManager actions.
type mockRenderer struct {
	deviceType   string
	sink         string
	setURICalls  int32
	failFirstSet bool
	stopCalls    int32
	playCalls    int32
	subscribeSID string
	subscribes   int32
	renews       int32
}

func (m *mockRenderer) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/description.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0"?>
<root>
  <device>
    <deviceType>%s</deviceType>
    <friendlyName>Mock Renderer</friendlyName>
    <UDN>uuid:mock-1</UDN>
    <serviceList>
      <service>
        <serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
        <controlURL>/control/avtransport</controlURL>
        <eventSubURL>/event-sub/avtransport</eventSubURL>
      </service>
      <service>
        <serviceType>urn:schemas-upnp-org:service:ConnectionManager:1</serviceType>
        <controlURL>/control/connmgr</controlURL>
      </service>
    </serviceList>
  </device>
</root>`, m.deviceType)
	})

	mux.HandleFunc("/control/connmgr", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <u:GetProtocolInfoResponse xmlns:u="urn:schemas-upnp-org:service:ConnectionManager:1">
      <Source></Source>
      <Sink>%s</Sink>
    </u:GetProtocolInfoResponse>
  </s:Body>
</s:Envelope>`, m.sink)
	})

	mux.HandleFunc("/control/avtransport", func(w http.ResponseWriter, r *http.Request) {
		action := r.Header.Get("SOAPAction")
		switch {
		case strings.Contains(action, "#Stop"):
			atomic.AddInt32(&m.stopCalls, 1)
			fmt.Fprint(w, soapOK("StopResponse"))
		case strings.Contains(action, "#SetAVTransportURI"):
			n := atomic.AddInt32(&m.setURICalls, 1)
			if m.failFirstSet && n == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprint(w, soapFaultBody(705))
				return
			}
			fmt.Fprint(w, soapOK("SetAVTransportURIResponse"))
		case strings.Contains(action, "#Play"):
			atomic.AddInt32(&m.playCalls, 1)
			fmt.Fprint(w, soapOK("PlayResponse"))
		default:
			w.WriteHeader(http.StatusNotImplemented)
		}
	})

	mux.HandleFunc("/event-sub/avtransport", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "SUBSCRIBE":
			if sid := r.Header.Get("SID"); sid != "" {
				atomic.AddInt32(&m.renews, 1)
			} else {
				atomic.AddInt32(&m.subscribes, 1)
			}
			w.Header().Set("SID", m.subscribeSID)
			w.Header().Set("TIMEOUT", "Second-300")
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotImplemented)
		}
	})

	return httptest.NewServer(mux)
}

func soapOK(responseElement string) string {
	return fmt.Sprintf(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body><u:%s xmlns:u="urn:schemas-upnp-org:service:AVTransport:1"></u:%s></s:Body>
</s:Envelope>`, responseElement, responseElement)
}

func soapFaultBody(code int) string {
	return fmt.Sprintf(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <s:Fault>
      <detail><UPnPError><errorCode>%d</errorCode></UPnPError></detail>
    </s:Fault>
  </s:Body>
</s:Envelope>`, code)
}

func TestIntrospectAdmitsRenderer(t *testing.T) {
	t.Parallel()

	m := &mockRenderer{
		deviceType: "urn:schemas-upnp-org:device:MediaRenderer:1",
		sink:       "http-get:*:video/mp4:DLNA.ORG_PN=AVC_MP4_BL_L3L_SD_AAC;DLNA.ORG_OP=01",
	}
	srv := m.server()
	defer srv.Close()

	cache, err := icon.New(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("icon.New: %v", err)
	}

	d, err := Introspect(t.Context(), srv.Client(), srv.URL+"/description.xml", cache)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if d.UID != "uuid:mock-1" {
		t.Errorf("UID = %q, want %q", d.UID, "uuid:mock-1")
	}
	if d.DeviceType != "Player" {
		t.Errorf("DeviceType = %q, want Player", d.DeviceType)
	}
}

func TestIntrospectRejectsMediaServer(t *testing.T) {
	t.Parallel()

	m := &mockRenderer{deviceType: "urn:schemas-upnp-org:device:MediaServer:1"}
	srv := m.server()
	defer srv.Close()

	if _, err := Introspect(t.Context(), srv.Client(), srv.URL+"/description.xml", nil); err == nil {
		t.Fatalf("Introspect(MediaServer) = nil error, want rejection")
	}
}

func TestIntrospectRejectsEmptySink(t *testing.T) {
	t.Parallel()

	m := &mockRenderer{deviceType: "urn:schemas-upnp-org:device:MediaRenderer:1", sink: ""}
	srv := m.server()
	defer srv.Close()

	if _, err := Introspect(t.Context(), srv.Client(), srv.URL+"/description.xml", nil); err == nil {
		t.Fatalf("Introspect(empty Sink) = nil error, want rejection")
	}
}

func TestPushRetriesOnceOnTransportLocked(t *testing.T) {
	t.Parallel()

	m := &mockRenderer{
		deviceType:   "urn:schemas-upnp-org:device:MediaRenderer:1",
		sink:         "http-get:*:video/mp4:*",
		failFirstSet: true,
	}
	srv := m.server()
	defer srv.Close()

	d, err := Introspect(t.Context(), srv.Client(), srv.URL+"/description.xml", nil)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}

	if err := d.Push(t.Context(), "http://host/item/abc", "<DIDL-Lite/>"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got := atomic.LoadInt32(&m.setURICalls); got != 2 {
		t.Errorf("setURICalls = %d, want 2 (one failure + one retry)", got)
	}
	if got := atomic.LoadInt32(&m.playCalls); got != 1 {
		t.Errorf("playCalls = %d, want 1", got)
	}
}

func TestAddRemoveProxy(t *testing.T) {
	t.Parallel()

	m := &mockRenderer{deviceType: "urn:schemas-upnp-org:device:MediaRenderer:1", sink: "http-get:*:*:*"}
	srv := m.server()
	defer srv.Close()

	d, err := Introspect(t.Context(), srv.Client(), srv.URL+"/description.xml", nil)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}

	d.AddProxy("http://10.0.0.2:1900/description.xml")
	if d.ProxyCount() != 2 {
		t.Fatalf("ProxyCount = %d, want 2", d.ProxyCount())
	}

	if wasLast := d.RemoveProxy(srv.URL + "/description.xml"); wasLast {
		t.Errorf("RemoveProxy of one of two endpoints reported wasLast=true")
	}
	if wasLast := d.RemoveProxy("http://10.0.0.2:1900/description.xml"); !wasLast {
		t.Errorf("RemoveProxy of the last endpoint reported wasLast=false")
	}
}

func TestIntrospectCapturesEventSubURL(t *testing.T) {
	t.Parallel()

	m := &mockRenderer{deviceType: "urn:schemas-upnp-org:device:MediaRenderer:1", sink: "http-get:*:*:*"}
	srv := m.server()
	defer srv.Close()

	d, err := Introspect(t.Context(), srv.Client(), srv.URL+"/description.xml", nil)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if d.avTransportEventURL != srv.URL+"/event-sub/avtransport" {
		t.Fatalf("avTransportEventURL = %q, want %q", d.avTransportEventURL, srv.URL+"/event-sub/avtransport")
	}
}

func TestDeviceSubscribeRecordsSID(t *testing.T) {
	t.Parallel()

	m := &mockRenderer{
		deviceType:   "urn:schemas-upnp-org:device:MediaRenderer:1",
		sink:         "http-get:*:*:*",
		subscribeSID: "uuid:sub-1",
	}
	srv := m.server()
	defer srv.Close()

	d, err := Introspect(t.Context(), srv.Client(), srv.URL+"/description.xml", nil)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}

	if err := d.Subscribe(t.Context(), srv.Client(), "http://127.0.0.1:9/event/"+d.UID); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if got := atomic.LoadInt32(&m.subscribes); got != 1 {
		t.Fatalf("subscribes = %d, want 1", got)
	}
	d.stateMu.Lock()
	sid := d.subscriptionID
	d.stateMu.Unlock()
	if sid != "uuid:sub-1" {
		t.Fatalf("subscriptionID = %q, want %q", sid, "uuid:sub-1")
	}
}

func TestDeviceSubscribeRejectsDeviceWithoutEventURL(t *testing.T) {
	t.Parallel()

	d := &Device{UID: "uuid:no-events"}
	if err := d.Subscribe(t.Context(), http.DefaultClient, "http://127.0.0.1:9/event/uuid:no-events"); err == nil {
		t.Fatalf("Subscribe with no avTransportEventURL = nil error, want rejection")
	}
}

func TestAccepts(t *testing.T) {
	t.Parallel()

	d := &Device{Sink: "http-get:*:video/mp4:DLNA.ORG_PN=AVC_MP4_BL_L3L_SD_AAC;DLNA.ORG_OP=01,http-get:*:image/jpeg:*"}

	if !d.Accepts("http-get:*:image/jpeg:DLNA.ORG_CI=0;DLNA.ORG_OP=01") {
		t.Errorf("Accepts(image/jpeg) = false, want true")
	}
	if d.Accepts("http-get:*:audio/mpeg:DLNA.ORG_CI=0;DLNA.ORG_OP=01") {
		t.Errorf("Accepts(audio/mpeg) = true, want false")
	}
}
