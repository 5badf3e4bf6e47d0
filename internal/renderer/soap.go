// Package renderer implements the Renderer Device model (component E): it
// introspects one MediaRenderer's AVTransport and ConnectionManager
// services and drives its transport state.
package renderer

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// envelope and fault mirror the SOAP 1.1 wrapper the teacher's
// internal/api/soap.go decodes on the server side; here we decode a
// renderer's response to a control action we sent as the client.
type envelope struct {
	XMLName xml.Name `xml:"http://schemas.xmlsoap.org/soap/envelope/ Envelope"`
	Body    soapBody `xml:"Body"`
}

type soapBody struct {
	Fault *soapFault `xml:"Fault"`
	Raw   []byte     `xml:",innerxml"`
}

type soapFault struct {
	UPnPError struct {
		ErrorCode int `xml:"errorCode"`
	} `xml:"detail>UPnPError"`
}

// upnpError is a parsed UPnP control error (e.g. 701 "transition not
// available", 705 "transport locked").
type upnpError struct {
	Code int
}

func (e *upnpError) Error() string {
	return fmt.Sprintf("UPnP control error %d", e.Code)
}

const (
	errTransitionNotAvailable = 701
	errTransportLocked        = 705
)

func isTransitionNotAvailable(err error) bool {
	var e *upnpError
	return asUPnPError(err, &e) && e.Code == errTransitionNotAvailable
}

func isTransportLocked(err error) bool {
	var e *upnpError
	return asUPnPError(err, &e) && e.Code == errTransportLocked
}

func asUPnPError(err error, target **upnpError) bool {
	return errors.As(err, target)
}

// sendAction POSTs a SOAP request body to controlURL for the given service
// type and action name, matching the raw-template style of
// wysentanu-dlna-movie-cast's AVTransportController.sendSOAPAction.
func sendAction(ctx context.Context, client *http.Client, controlURL, serviceType, action, argsXML string) ([]byte, error) {
	body := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
  <s:Body>
    <u:%s xmlns:u="%s">
      %s
    </u:%s>
  </s:Body>
</s:Envelope>`, action, serviceType, argsXML, action)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, controlURL, bytes.NewBufferString(body))
	if err != nil {
		return nil, fmt.Errorf("build soap request: %w", err)
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", fmt.Sprintf(`"%s#%s"`, serviceType, action))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("soap action %s: %w", action, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read soap response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var env envelope
		if xml.Unmarshal(respBody, &env) == nil && env.Body.Fault != nil {
			return nil, &upnpError{Code: env.Body.Fault.UPnPError.ErrorCode}
		}
		return nil, fmt.Errorf("soap action %s: http status %d", action, resp.StatusCode)
	}

	return respBody, nil
}

// xmlEscape escapes text for embedding inside a SOAP/DIDL-Lite XML body,
// matching wysentanu-dlna-movie-cast's helper of the same name.
func xmlEscape(s string) string {
	var buf bytes.Buffer
	xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

func quoteUint(n int64) string {
	return strconv.FormatInt(n, 10)
}
