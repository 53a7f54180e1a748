package drm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/goccy/go-json"

	"github.com/berridl/berridl/internal/httpclient"
	"github.com/berridl/berridl/internal/models"
)

// cdrmBackend proxies license negotiation through a remote decrypt service.
// The same endpoint handles Widevine and PlayReady; the label records which
// system the PSSH belonged to.
type cdrmBackend struct {
	label    models.DRMType
	endpoint string
	hc       *httpclient.Client
	log      *slog.Logger
}

func newCDRMBackend(label models.DRMType, endpoint string, hc *httpclient.Client, log *slog.Logger) *cdrmBackend {
	return &cdrmBackend{label: label, endpoint: endpoint, hc: hc, log: log}
}

func (b *cdrmBackend) Label() models.DRMType { return b.label }

func (b *cdrmBackend) Keys(ctx context.Context, req *LicenseRequest) ([]string, error) {
	if b.endpoint == "" {
		return nil, fmt.Errorf("cdrm backend requires an endpoint")
	}

	headers := map[string]string{}
	for k, v := range req.Headers {
		headers[k] = v
	}
	if req.Assertion != "" {
		headers[assertionHeader] = req.Assertion
	}

	payload := map[string]any{
		"pssh":    req.PSSH,
		"licurl":  req.LicenseURL,
		"headers": headers,
	}

	resp, err := b.hc.Post(ctx, b.endpoint,
		httpclient.WithoutCookies(),
		httpclient.WithJSONBody(payload))
	if err != nil {
		return nil, fmt.Errorf("cdrm request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading cdrm response: %w", err)
	}

	var out struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding cdrm response: %w", err)
	}
	return splitKeys(out.Message)
}

// watoraBackend is the alternative remote Widevine proxy with bearer auth
// and a different request shape.
type watoraBackend struct {
	endpoint string
	token    string
	hc       *httpclient.Client
	log      *slog.Logger
}

func newWatoraBackend(endpoint, token string, hc *httpclient.Client, log *slog.Logger) *watoraBackend {
	return &watoraBackend{endpoint: endpoint, token: token, hc: hc, log: log}
}

func (b *watoraBackend) Label() models.DRMType { return models.DRMWatoraWidevine }

func (b *watoraBackend) Keys(ctx context.Context, req *LicenseRequest) ([]string, error) {
	if b.endpoint == "" {
		return nil, fmt.Errorf("watora backend requires an endpoint")
	}

	headers := map[string]string{}
	for k, v := range req.Headers {
		headers[k] = v
	}
	if req.Assertion != "" {
		headers[assertionHeader] = req.Assertion
	}

	payload := map[string]any{
		"PSSH":        req.PSSH,
		"License URL": req.LicenseURL,
		"Headers":     headers,
		"Cookies":     map[string]string{},
		"Data":        map[string]string{},
		"Proxy":       "",
		"JSON":        map[string]string{},
	}

	opts := []httpclient.Option{
		httpclient.WithoutCookies(),
		httpclient.WithJSONBody(payload),
	}
	if b.token != "" {
		opts = append(opts, httpclient.WithHeader("Authorization", "Bearer "+b.token))
	}

	resp, err := b.hc.Post(ctx, b.endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("watora request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading watora response: %w", err)
	}

	var out struct {
		Message string `json:"Message"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding watora response: %w", err)
	}
	return splitKeys(out.Message)
}

// splitKeys normalizes a proxy's key message into "kid:key" strings.
func splitKeys(message string) ([]string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, models.ErrNoKeys
	}

	var keys []string
	for _, field := range strings.Fields(strings.ReplaceAll(message, "\n", " ")) {
		field = strings.TrimPrefix(field, "--key")
		field = strings.TrimSpace(field)
		if strings.Contains(field, ":") {
			keys = append(keys, strings.ToLower(field))
		}
	}
	if len(keys) == 0 {
		return nil, models.ErrNoKeys
	}
	return dedupe(keys), nil
}
