package renderer

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
)

const connectionManagerServiceType = "urn:schemas-upnp-org:service:ConnectionManager:1"

type getProtocolInfoResponse struct {
	Sink   string `xml:"Sink"`
	Source string `xml:"Source"`
}

// getProtocolInfo invokes ConnectionManager.GetProtocolInfo (§4.E step 3)
// and returns the renderer's Sink list, a comma-separated list of
// ProtocolInfo strings it accepts.
func getProtocolInfo(ctx context.Context, client *http.Client, controlURL string) (string, error) {
	respBody, err := sendAction(ctx, client, controlURL, connectionManagerServiceType, "GetProtocolInfo", "")
	if err != nil {
		return "", fmt.Errorf("GetProtocolInfo: %w", err)
	}

	var env struct {
		Body struct {
			Response getProtocolInfoResponse `xml:"GetProtocolInfoResponse"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(respBody, &env); err != nil {
		return "", fmt.Errorf("parse GetProtocolInfo response: %w", err)
	}

	return env.Body.Response.Sink, nil
}
