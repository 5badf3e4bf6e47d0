package discovery

import (
	"strings"
	"testing"
	"time"
)

func TestBuildSearch(t *testing.T) {
	t.Parallel()

	msg := buildSearch("urn:schemas-upnp-org:device:MediaRenderer:1", 3*time.Second)
	if !strings.Contains(msg, "M-SEARCH * HTTP/1.1\r\n") {
		t.Fatalf("missing M-SEARCH request line: %q", msg)
	}
	if !strings.Contains(msg, "ST: urn:schemas-upnp-org:device:MediaRenderer:1\r\n") {
		t.Errorf("missing ST header: %q", msg)
	}
	if !strings.Contains(msg, "MX: 3\r\n") {
		t.Errorf("missing MX header: %q", msg)
	}
}

func TestSsdpHeaders(t *testing.T) {
	t.Parallel()

	msg := "NOTIFY * HTTP/1.1\r\n" +
		"HOST: 239.255.255.250:1900\r\n" +
		"NT: urn:schemas-upnp-org:device:MediaRenderer:1\r\n" +
		"NTS: ssdp:alive\r\n" +
		"USN: uuid:abc-123::urn:schemas-upnp-org:device:MediaRenderer:1\r\n" +
		"LOCATION: http://192.168.1.5:1900/description.xml\r\n" +
		"\r\n"

	headers := ssdpHeaders(msg)
	if headers["NTS"] != "ssdp:alive" {
		t.Errorf("NTS = %q, want ssdp:alive", headers["NTS"])
	}
	if headers["LOCATION"] != "http://192.168.1.5:1900/description.xml" {
		t.Errorf("LOCATION = %q", headers["LOCATION"])
	}
}

func TestUdnFromUSN(t *testing.T) {
	t.Parallel()

	got := udnFromUSN("uuid:abc-123::urn:schemas-upnp-org:device:MediaRenderer:1")
	if got != "uuid:abc-123" {
		t.Errorf("udnFromUSN = %q, want uuid:abc-123", got)
	}
}
