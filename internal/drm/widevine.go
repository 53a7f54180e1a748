package drm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	widevine "github.com/iyear/gowidevine"
	wvpb "github.com/iyear/gowidevine/widevinepb"

	"github.com/berridl/berridl/internal/httpclient"
	"github.com/berridl/berridl/internal/models"
)

// widevineBackend obtains keys through a local Widevine CDM loaded from a
// .wvd device blob.
type widevineBackend struct {
	cdm *widevine.CDM
	hc  *httpclient.Client
	log *slog.Logger
}

func newWidevineBackend(wvdPath string, hc *httpclient.Client, log *slog.Logger) (*widevineBackend, error) {
	if wvdPath == "" {
		return nil, fmt.Errorf("widevine backend requires a .wvd device path")
	}
	data, err := os.ReadFile(wvdPath)
	if err != nil {
		return nil, fmt.Errorf("reading widevine device: %w", err)
	}
	device, err := widevine.NewDevice(widevine.FromWVD(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("loading widevine device: %w", err)
	}
	return &widevineBackend{
		cdm: widevine.NewCDM(device),
		hc:  hc,
		log: log,
	}, nil
}

func (b *widevineBackend) Label() models.DRMType { return models.DRMWidevine }

// Keys opens a CDM session, posts the challenge to the license server and
// extracts the content keys from the response.
func (b *widevineBackend) Keys(ctx context.Context, req *LicenseRequest) ([]string, error) {
	raw, err := base64.StdEncoding.DecodeString(req.PSSH)
	if err != nil {
		return nil, fmt.Errorf("decoding PSSH: %w", err)
	}
	pssh, err := widevine.NewPSSH(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing PSSH box: %w", err)
	}

	challenge, parseLicense, err := b.cdm.GetLicenseChallenge(pssh, wvpb.LicenseType_STREAMING, false)
	if err != nil {
		return nil, fmt.Errorf("building license challenge: %w", err)
	}

	b.log.Debug("posting widevine challenge",
		slog.String("license_url", req.LicenseURL),
		slog.Int("challenge_bytes", len(challenge)))

	response, err := postLicense(ctx, b.hc, req, challenge, "application/octet-stream")
	if err != nil {
		return nil, err
	}

	licenseKeys, err := parseLicense(response)
	if err != nil {
		return nil, fmt.Errorf("parsing license response: %w", err)
	}

	var keys []string
	for _, k := range licenseKeys {
		if k.Type != wvpb.License_KeyContainer_CONTENT {
			continue
		}
		keys = append(keys, hex.EncodeToString(k.ID)+":"+hex.EncodeToString(k.Key))
	}
	if len(keys) == 0 {
		return nil, models.ErrNoKeys
	}
	return keys, nil
}
