package ptz

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vistterstream/engine/internal/model"
)

const defaultONVIFTimeout = 5 * time.Second

// onvifClient is the default Client: a minimal SOAP 1.2 client that posts
// every call (GetProfiles, AbsoluteMove, GotoPreset, SetPreset, GetStatus)
// to the camera's ONVIF ptz_service endpoint.
type onvifClient struct {
	http        *http.Client
	ptzURL      string
	profileToken string
	creds       model.Credentials
}

// NewHTTPClientFactory returns a ClientFactory that dials real ONVIF
// endpoints over HTTP. A non-empty ptzOverride replaces the ptz_service URL
// for every call, for environments where the camera's LAN address isn't
// directly reachable (e.g. containers). deviceOverride is accepted but not
// used: no call goes to a separate device_service URL.
func NewHTTPClientFactory(deviceOverride, ptzOverride string) ClientFactory {
	return func(ctx context.Context, host string, port int, creds model.Credentials) (Client, error) {
		ptzURL := ptzOverride
		if ptzURL == "" {
			ptzURL = fmt.Sprintf("http://%s:%d/onvif/ptz_service", host, port)
		}

		c := &onvifClient{
			http:   &http.Client{Timeout: defaultONVIFTimeout},
			ptzURL: ptzURL,
			creds:  creds,
		}

		profile, err := c.fetchDefaultProfile(ctx)
		if err != nil {
			return nil, fmt.Errorf("onvif GetProfiles against %s: %w", ptzURL, err)
		}
		c.profileToken = profile
		return c, nil
	}
}

func (c *onvifClient) fetchDefaultProfile(ctx context.Context) (string, error) {
	resp, err := c.soapCall(ctx, `<tptz:GetProfiles xmlns:tptz="http://www.onvif.org/ver20/ptz/wsdl"/>`)
	if err != nil {
		return "", err
	}
	var env profilesEnvelope
	if err := xml.Unmarshal(resp, &env); err != nil || env.Body.Profiles.Token == "" {
		return "default", nil // camera didn't answer usefully; use a sensible default token
	}
	return env.Body.Profiles.Token, nil
}

type profilesEnvelope struct {
	Body struct {
		Profiles struct {
			Token string `xml:"token,attr"`
		} `xml:"GetProfilesResponse>Profiles"`
	} `xml:"Body"`
}

func (c *onvifClient) AbsoluteMove(ctx context.Context, pan, tilt, zoom float64) error {
	body := fmt.Sprintf(`<tptz:AbsoluteMove xmlns:tptz="http://www.onvif.org/ver20/ptz/wsdl">
<tptz:ProfileToken>%s</tptz:ProfileToken>
<tptz:Position><tt:PanTilt xmlns:tt="http://www.onvif.org/ver10/schema" x="%f" y="%f"/><tt:Zoom xmlns:tt="http://www.onvif.org/ver10/schema" x="%f"/></tptz:Position>
</tptz:AbsoluteMove>`, c.profileToken, pan, tilt, zoom)
	_, err := c.soapCall(ctx, body)
	return err
}

func (c *onvifClient) GotoPreset(ctx context.Context, presetToken string) error {
	body := fmt.Sprintf(`<tptz:GotoPreset xmlns:tptz="http://www.onvif.org/ver20/ptz/wsdl">
<tptz:ProfileToken>%s</tptz:ProfileToken><tptz:PresetToken>%s</tptz:PresetToken>
</tptz:GotoPreset>`, c.profileToken, presetToken)
	_, err := c.soapCall(ctx, body)
	return err
}

func (c *onvifClient) SetPreset(ctx context.Context, pan, tilt, zoom float64) (string, error) {
	body := fmt.Sprintf(`<tptz:SetPreset xmlns:tptz="http://www.onvif.org/ver20/ptz/wsdl">
<tptz:ProfileToken>%s</tptz:ProfileToken>
</tptz:SetPreset>`, c.profileToken)
	resp, err := c.soapCall(ctx, body)
	if err != nil {
		return "", err
	}
	var env setPresetEnvelope
	if err := xml.Unmarshal(resp, &env); err != nil {
		return "", err
	}
	return env.Body.SetPresetResponse.PresetToken, nil
}

type setPresetEnvelope struct {
	Body struct {
		SetPresetResponse struct {
			PresetToken string `xml:"PresetToken"`
		} `xml:"SetPresetResponse"`
	} `xml:"Body"`
}

func (c *onvifClient) GetStatus(ctx context.Context) (pan, tilt, zoom float64, err error) {
	body := fmt.Sprintf(`<tptz:GetStatus xmlns:tptz="http://www.onvif.org/ver20/ptz/wsdl">
<tptz:ProfileToken>%s</tptz:ProfileToken>
</tptz:GetStatus>`, c.profileToken)
	resp, callErr := c.soapCall(ctx, body)
	if callErr != nil {
		return 0, 0, 0, callErr
	}
	var env statusEnvelope
	if err := xml.Unmarshal(resp, &env); err != nil {
		return 0, 0, 0, err
	}
	p := env.Body.Status.Position.PanTilt
	return p.X, p.Y, env.Body.Status.Position.Zoom.X, nil
}

type statusEnvelope struct {
	Body struct {
		Status struct {
			Position struct {
				PanTilt struct {
					X float64 `xml:"x,attr"`
					Y float64 `xml:"y,attr"`
				} `xml:"PanTilt"`
				Zoom struct {
					X float64 `xml:"x,attr"`
				} `xml:"Zoom"`
			} `xml:"Position"`
		} `xml:"GetStatusResponse>PTZStatus"`
	} `xml:"Body"`
}

func (c *onvifClient) soapCall(ctx context.Context, body string) ([]byte, error) {
	envelope := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope"><s:Body>%s</s:Body></s:Envelope>`, body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ptzURL, bytes.NewBufferString(envelope))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/soap+xml; charset=utf-8")
	if c.creds.Username != "" {
		req.SetBasicAuth(c.creds.Username, c.creds.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("onvif ptz call failed: HTTP %d", resp.StatusCode)
	}
	return data, nil
}
