// Package drm negotiates content keys: it turns a PSSH into a license
// challenge through one of several CDM backends and parses the returned
// keys. The resolver in this package fronts the backends with the key
// vault.
package drm

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/berridl/berridl/internal/config"
	"github.com/berridl/berridl/internal/httpclient"
	"github.com/berridl/berridl/internal/models"
	"github.com/berridl/berridl/internal/observability"
)

// assertionHeader carries the playback assertion on license requests.
const assertionHeader = "acquirelicenseassertion"

// LicenseRequest is everything a backend needs to obtain keys for one PSSH.
type LicenseRequest struct {
	PSSH       string // base64 PSSH box (Widevine) or WRM header (PlayReady)
	LicenseURL string
	Assertion  string
	Headers    map[string]string
}

// Backend obtains content keys for a license request. Implementations
// return keys as "kid:key" hex strings.
type Backend interface {
	Label() models.DRMType
	Keys(ctx context.Context, req *LicenseRequest) ([]string, error)
}

// NewBackend constructs the configured key-service backend. Any
// unrecognized source falls back to the local Widevine CDM.
func NewBackend(cfg config.KeyServiceConfig, cdm config.CDMConfig, hc *httpclient.Client, log *slog.Logger) (Backend, error) {
	log = observability.WithComponent(log, "drm")

	switch cfg.Source {
	case "mspr":
		return newPlayReadyBackend(cdm.PlayReady, hc, log)
	case "cdrm_wv":
		return newCDRMBackend(models.DRMRemoteWidevine, cfg.CDRMEndpoint, hc, log), nil
	case "cdrm_mspr":
		return newCDRMBackend(models.DRMRemotePlayReady, cfg.CDRMEndpoint, hc, log), nil
	case "watora_wv":
		return newWatoraBackend(cfg.WatoraEndpoint, cfg.WatoraToken, hc, log), nil
	case "wv":
		return newWidevineBackend(cdm.Widevine, hc, log)
	default:
		log.Warn("unrecognized key service source, using local widevine",
			slog.String("source", cfg.Source))
		return newWidevineBackend(cdm.Widevine, hc, log)
	}
}

// postLicense sends a challenge body to the license server with the
// assertion header attached and returns the raw response.
func postLicense(ctx context.Context, hc *httpclient.Client, req *LicenseRequest, body []byte, contentType string) ([]byte, error) {
	opts := []httpclient.Option{
		httpclient.WithRawBody(body, contentType),
	}
	if req.Assertion != "" {
		opts = append(opts, httpclient.WithHeader(assertionHeader, req.Assertion))
	}
	for k, v := range req.Headers {
		opts = append(opts, httpclient.WithHeader(k, v))
	}

	resp, err := hc.Post(ctx, req.LicenseURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("license request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading license response: %w", err)
	}
	return respBody, nil
}
