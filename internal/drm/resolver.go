package drm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/berridl/berridl/internal/manifest"
	"github.com/berridl/berridl/internal/models"
	"github.com/berridl/berridl/internal/observability"
	"github.com/berridl/berridl/internal/repository"
)

// Resolver fronts the DRM backend with the key vault: known PSSHes are
// answered from the vault, misses go through a license exchange and the
// result is persisted.
type Resolver struct {
	vault   repository.KeyRepository
	backend Backend
	log     *slog.Logger
}

// NewResolver creates a key resolver over the vault and backend.
func NewResolver(vault repository.KeyRepository, backend Backend, log *slog.Logger) *Resolver {
	return &Resolver{
		vault:   vault,
		backend: backend,
		log:     observability.WithComponent(log, "keyresolver"),
	}
}

// GetKeys returns the content keys for a DRM-protected playback context.
// The vault is consulted for every PSSH of either system before any
// license request goes out; fresh keys are stored under every PSSH they
// were derived from.
func (r *Resolver) GetKeys(ctx context.Context, pc *models.PlaybackContext, pres *manifest.Presentation) ([]string, error) {
	set := manifest.ExtractPssh(pres)
	if set.Empty() {
		return nil, fmt.Errorf("%w: manifest carries no PSSH", models.ErrNoKeys)
	}

	for _, pssh := range set.All() {
		key, ok, err := r.vault.Retrieve(ctx, pssh)
		if err != nil {
			r.log.Warn("key vault lookup failed",
				slog.String("pssh", truncate(pssh, 24)),
				slog.String("error", err.Error()))
			continue
		}
		if ok && key != "" {
			r.log.Debug("key vault hit", slog.String("pssh", truncate(pssh, 24)))
			return strings.Split(key, " "), nil
		}
	}

	pssh, licenseURL, err := r.pickTarget(set, pc)
	if err != nil {
		return nil, err
	}

	req := &LicenseRequest{
		PSSH:       pssh,
		LicenseURL: licenseURL,
		Assertion:  pc.Assertion,
	}
	keys, err := r.backend.Keys(ctx, req)
	if err != nil {
		if errors.Is(err, models.ErrNoKeys) {
			return nil, err
		}
		return nil, fmt.Errorf("license exchange (%s): %w", r.backend.Label(), err)
	}

	joined := strings.Join(keys, " ")
	for _, p := range set.All() {
		if err := r.vault.Store(ctx, p, joined, r.backend.Label()); err != nil {
			r.log.Warn("storing key failed",
				slog.String("pssh", truncate(p, 24)),
				slog.String("error", err.Error()))
		}
	}

	r.log.Info("keys resolved",
		slog.String("backend", string(r.backend.Label())),
		slog.Int("keys", len(keys)))
	return keys, nil
}

// pickTarget chooses the PSSH and license URL matching the backend's DRM
// system, preferring the system the backend actually speaks.
func (r *Resolver) pickTarget(set manifest.PsshSet, pc *models.PlaybackContext) (pssh, licenseURL string, err error) {
	switch r.backend.Label() {
	case models.DRMPlayReady, models.DRMRemotePlayReady:
		if len(set.PlayReady) == 0 {
			return "", "", fmt.Errorf("%w: no PlayReady protection in manifest", models.ErrNoKeys)
		}
		if pc.LicenseURLs.PlayReady == "" {
			return "", "", fmt.Errorf("%w: no PlayReady license URL", models.ErrNoKeys)
		}
		return set.PlayReady[0], pc.LicenseURLs.PlayReady, nil

	default:
		if len(set.Widevine) == 0 {
			return "", "", fmt.Errorf("%w: no Widevine protection in manifest", models.ErrNoKeys)
		}
		if pc.LicenseURLs.Widevine == "" {
			return "", "", fmt.Errorf("%w: no Widevine license URL", models.ErrNoKeys)
		}
		return set.Widevine[0], pc.LicenseURLs.Widevine, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
