package renderer

import "testing"

func TestApplyNotifyUpdatesTransportState(t *testing.T) {
	t.Parallel()

	d := &Device{}
	body := []byte(`<?xml version="1.0"?>
<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0">
  <e:property>
    <LastChange>&lt;Event xmlns=&quot;urn:schemas-upnp-org:metadata-1-0/AVT/&quot;&gt;&lt;InstanceID val=&quot;0&quot;&gt;&lt;TransportState val=&quot;PLAYING&quot;/&gt;&lt;/InstanceID&gt;&lt;/Event&gt;</LastChange>
  </e:property>
</e:propertyset>`)

	if err := d.applyNotify(body); err != nil {
		t.Fatalf("applyNotify: %v", err)
	}
	if got := d.TransportState(); got != StatePlaying {
		t.Fatalf("TransportState() = %q, want %q", got, StatePlaying)
	}
}

func TestApplyNotifyIgnoresMalformedPropertySet(t *testing.T) {
	t.Parallel()

	d := &Device{}
	if err := d.applyNotify([]byte("not xml")); err == nil {
		t.Fatalf("applyNotify(garbage) = nil error, want parse failure")
	}
	if got := d.TransportState(); got != "" {
		t.Fatalf("TransportState() after malformed NOTIFY = %q, want empty", got)
	}
}

func TestParseGENATimeout(t *testing.T) {
	t.Parallel()

	if got := parseGENATimeout("Second-300"); got.Seconds() != 300 {
		t.Errorf("parseGENATimeout(Second-300) = %v, want 300s", got)
	}
	if got := parseGENATimeout("Second-infinite"); got != 0 {
		t.Errorf("parseGENATimeout(Second-infinite) = %v, want 0", got)
	}
	if got := parseGENATimeout(""); got != 0 {
		t.Errorf("parseGENATimeout(\"\") = %v, want 0", got)
	}
}
