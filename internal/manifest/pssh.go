package manifest

import (
	"encoding/base64"
	"strings"
)

// The service emits Widevine PSSH boxes of exactly this base64 length.
const widevinePSSHLength = 76

// PsshSet is the deduplicated protection data extracted from one MPD,
// grouped by DRM system.
type PsshSet struct {
	Widevine  []string
	PlayReady []string
}

// Empty reports whether no PSSH of either system was found.
func (s PsshSet) Empty() bool {
	return len(s.Widevine) == 0 && len(s.PlayReady) == 0
}

// All returns every PSSH in the set, Widevine first.
func (s PsshSet) All() []string {
	out := make([]string, 0, len(s.Widevine)+len(s.PlayReady))
	out = append(out, s.Widevine...)
	out = append(out, s.PlayReady...)
	return out
}

// IsWidevinePSSH reports whether the blob matches the Widevine shape the
// service emits: valid base64 of exactly 76 chars ending '='.
func IsWidevinePSSH(pssh string) bool {
	if len(pssh) != widevinePSSHLength || !strings.HasSuffix(pssh, "=") {
		return false
	}
	_, err := base64.StdEncoding.DecodeString(pssh)
	return err == nil
}

// IsPlayReadyPro reports whether the blob looks like a PlayReady WRM
// header: longer than a Widevine PSSH and decoding to a WRMHEADER document.
func IsPlayReadyPro(blob string) bool {
	if len(blob) <= widevinePSSHLength {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return false
	}
	// WRM headers are UTF-16LE XML; the marker survives a byte-level scan.
	return strings.Contains(strings.ReplaceAll(string(decoded), "\x00", ""), "WRMHEADER")
}

// ExtractPssh collects the deduplicated PSSH sets from a parsed MPD.
func ExtractPssh(p *Presentation) PsshSet {
	var set PsshSet
	for _, pssh := range p.Protection.WidevinePSSH {
		if IsWidevinePSSH(pssh) && !contains(set.Widevine, pssh) {
			set.Widevine = append(set.Widevine, pssh)
		}
	}
	for _, pro := range p.Protection.PlayReadyPro {
		if !contains(set.PlayReady, pro) {
			set.PlayReady = append(set.PlayReady, pro)
		}
	}
	return set
}
