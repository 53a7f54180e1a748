package drm

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"unicode/utf16"

	"github.com/berridl/berridl/internal/httpclient"
	"github.com/berridl/berridl/internal/models"
)

const soapAction = `"http://schemas.microsoft.com/DRM/2007/03/protocols/AcquireLicense"`

// keyPairPattern matches "kid:key" hex pairs in a text license response.
var keyPairPattern = regexp.MustCompile(`[0-9a-fA-F]{32}:[0-9a-fA-F]{32}`)

// playReadyBackend obtains keys through the PlayReady license protocol
// using a local .prd device blob. The license response is text; keys are
// extracted from it directly.
type playReadyBackend struct {
	device []byte
	hc     *httpclient.Client
	log    *slog.Logger
}

func newPlayReadyBackend(prdPath string, hc *httpclient.Client, log *slog.Logger) (*playReadyBackend, error) {
	if prdPath == "" {
		return nil, fmt.Errorf("playready backend requires a .prd device path")
	}
	data, err := os.ReadFile(prdPath)
	if err != nil {
		return nil, fmt.Errorf("reading playready device: %w", err)
	}
	if len(data) < 4 || string(data[:3]) != "PRD" {
		return nil, fmt.Errorf("not a playready device blob: %s", prdPath)
	}
	return &playReadyBackend{device: data, hc: hc, log: log}, nil
}

func (b *playReadyBackend) Label() models.DRMType { return models.DRMPlayReady }

// Keys builds one SOAP AcquireLicense challenge per WRM header and scans
// the text response for content key pairs.
func (b *playReadyBackend) Keys(ctx context.Context, req *LicenseRequest) ([]string, error) {
	header, err := decodeWRMHeader(req.PSSH)
	if err != nil {
		return nil, err
	}

	challenge, err := buildAcquireLicense(header)
	if err != nil {
		return nil, err
	}

	b.log.Debug("posting playready challenge",
		slog.String("license_url", req.LicenseURL),
		slog.Int("challenge_bytes", len(challenge)))

	hreq := *req
	if hreq.Headers == nil {
		hreq.Headers = map[string]string{}
	}
	hreq.Headers["SOAPAction"] = soapAction

	response, err := postLicense(ctx, b.hc, &hreq, challenge, "text/xml; charset=utf-8")
	if err != nil {
		return nil, err
	}

	keys := keyPairPattern.FindAllString(string(response), -1)
	if len(keys) == 0 {
		return nil, models.ErrNoKeys
	}
	for i, k := range keys {
		keys[i] = strings.ToLower(k)
	}
	return dedupe(keys), nil
}

// decodeWRMHeader turns the base64 blob from the MPD into the UTF-8 WRM
// header document. The wire form is UTF-16LE.
func decodeWRMHeader(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("decoding WRM header: %w", err)
	}
	if len(raw)%2 != 0 {
		return "", fmt.Errorf("WRM header has odd byte length %d", len(raw))
	}

	codeUnits := make([]uint16, len(raw)/2)
	for i := range codeUnits {
		codeUnits[i] = uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
	}
	header := string(utf16.Decode(codeUnits))

	if !strings.Contains(header, "WRMHEADER") {
		return "", fmt.Errorf("blob does not contain a WRM header")
	}
	if idx := strings.Index(header, "<"); idx > 0 {
		header = header[idx:] // strip the PlayReady object length prefix
	}
	return header, nil
}

// buildAcquireLicense renders the SOAP envelope around the WRM header.
func buildAcquireLicense(wrmHeader string) ([]byte, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating challenge nonce: %w", err)
	}

	var buf strings.Builder
	buf.WriteString(xml.Header)
	buf.WriteString(`<soap:Envelope xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xmlns:xsd="http://www.w3.org/2001/XMLSchema" xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">`)
	buf.WriteString(`<soap:Body><AcquireLicense xmlns="http://schemas.microsoft.com/DRM/2007/03/protocols">`)
	buf.WriteString(`<challenge><Challenge xmlns="http://schemas.microsoft.com/DRM/2007/03/protocols/messages">`)
	buf.WriteString(`<LA xmlns="http://schemas.microsoft.com/DRM/2007/03/protocols" Id="SignedData" xml:space="preserve">`)
	buf.WriteString(`<Version>1</Version>`)
	buf.WriteString(`<ContentHeader>`)
	buf.WriteString(wrmHeader)
	buf.WriteString(`</ContentHeader>`)
	buf.WriteString(`<LicenseNonce>`)
	buf.WriteString(base64.StdEncoding.EncodeToString(nonce))
	buf.WriteString(`</LicenseNonce>`)
	buf.WriteString(`</LA></Challenge></challenge>`)
	buf.WriteString(`</AcquireLicense></soap:Body></soap:Envelope>`)
	return []byte(buf.String()), nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
