package renderer

import (
	"context"
	"fmt"
	"net/http"

	"korva/internal/metadata"
)

const avTransportServiceType = "urn:schemas-upnp-org:service:AVTransport:1"

// stop issues AVTransport.Stop. A 701 "transition not available" is
// tolerated (§4.E step 1: "best-effort").
func stop(ctx context.Context, client *http.Client, controlURL string) error {
	args := `<InstanceID>0</InstanceID>`
	_, err := sendAction(ctx, client, controlURL, avTransportServiceType, "Stop", args)
	if err != nil && !isTransitionNotAvailable(err) {
		return fmt.Errorf("Stop: %w", err)
	}
	return nil
}

// setAVTransportURI issues AVTransport.SetAVTransportURI.
func setAVTransportURI(ctx context.Context, client *http.Client, controlURL, uri, didl string) error {
	args := fmt.Sprintf(`<InstanceID>0</InstanceID><CurrentURI>%s</CurrentURI><CurrentURIMetaData>%s</CurrentURIMetaData>`,
		xmlEscape(uri), xmlEscape(didl))
	if _, err := sendAction(ctx, client, controlURL, avTransportServiceType, "SetAVTransportURI", args); err != nil {
		return fmt.Errorf("SetAVTransportURI: %w", err)
	}
	return nil
}

// play issues AVTransport.Play at normal speed.
func play(ctx context.Context, client *http.Client, controlURL string) error {
	args := `<InstanceID>0</InstanceID><Speed>1</Speed>`
	if _, err := sendAction(ctx, client, controlURL, avTransportServiceType, "Play", args); err != nil {
		return fmt.Errorf("Play: %w", err)
	}
	return nil
}

// BuildDIDL renders the DIDL-Lite metadata envelope carried in
// CurrentURIMetaData, from the UPnPClass/Title/Size/ProtocolInfo/URL the
// Push Coordinator assembles (§4.G step 6).
func BuildDIDL(id, upnpClass, title string, rec metadata.Record, resURL string) string {
	protocolInfo := metadata.ProtocolInfo(rec)
	return fmt.Sprintf(
		`<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/" xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/">`+
			`<item id="%s" parentID="-1" restricted="1">`+
			`<dc:title>%s</dc:title>`+
			`<upnp:class>%s</upnp:class>`+
			`<res protocolInfo="%s" size="%s">%s</res>`+
			`</item>`+
			`</DIDL-Lite>`,
		xmlEscape(id), xmlEscape(title), xmlEscape(upnpClass), xmlEscape(protocolInfo), quoteUint(rec.Size), xmlEscape(resURL),
	)
}
