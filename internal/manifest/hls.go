package manifest

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/berridl/berridl/internal/urlutil"
)

// segmentSuffixes are the media file extensions accepted from an HLS
// media playlist.
var segmentSuffixes = []string{".ts", ".aac", ".mp4", ".m4a", ".m4v"}

// fairPlayKeyFormat marks Apple FairPlay key delivery, which is reported
// but not supported for decryption.
const fairPlayKeyFormat = "com.apple.streamingkeydelivery"

// Master is a parsed HLS multivariant playlist.
type Master struct {
	URL      string
	Variants []Track // video variants
	Audio    []Track // audio renditions
}

// ParseMaster parses an HLS master playlist into selectable video variants
// and audio renditions. Variant heights come from RESOLUTION; audio
// bandwidth is inferred from the rendition name when it carries one.
func ParseMaster(data []byte, masterURL string) (*Master, error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parsing master playlist: %w", err)
	}
	mv, ok := pl.(*playlist.Multivariant)
	if !ok {
		return nil, fmt.Errorf("expected multivariant playlist, got %T", pl)
	}

	m := &Master{URL: masterURL}

	for _, v := range mv.Variants {
		uri, err := urlutil.Resolve(masterURL, v.URI)
		if err != nil {
			return nil, fmt.Errorf("resolving variant URI: %w", err)
		}
		track := Track{
			Type:      TrackVideo,
			ID:        v.URI,
			Bandwidth: v.Bandwidth,
			Codecs:    strings.Join(v.Codecs, ","),
			InitURL:   "",
			Ext:       ".ts",
		}
		track.Width, track.Height = parseResolution(v.Resolution)
		track.SegmentURLs = []string{uri} // media playlist URL, fetched after selection
		m.Variants = append(m.Variants, track)
	}

	for _, r := range mv.Renditions {
		if r.Type != playlist.MultivariantRenditionTypeAudio || r.URI == nil || *r.URI == "" {
			continue
		}
		uri, err := urlutil.Resolve(masterURL, *r.URI)
		if err != nil {
			return nil, fmt.Errorf("resolving rendition URI: %w", err)
		}
		m.Audio = append(m.Audio, Track{
			Type:        TrackAudio,
			ID:          r.Name,
			Bandwidth:   bandwidthFromName(r.Name),
			SegmentURLs: []string{uri},
			Ext:         ".aac",
		})
	}

	if len(m.Variants) == 0 {
		return nil, fmt.Errorf("master playlist has no variants")
	}
	return m, nil
}

// MediaURL returns the media playlist URL a master-derived track points at.
func MediaURL(t Track) string {
	if len(t.SegmentURLs) == 1 && urlutil.IsRemoteURL(t.SegmentURLs[0]) &&
		urlutil.HasAnySuffix(t.SegmentURLs[0], ".m3u8") {
		return t.SegmentURLs[0]
	}
	if len(t.SegmentURLs) > 0 {
		return t.SegmentURLs[0]
	}
	return ""
}

// ParseMedia parses an HLS media playlist into the track's final segment
// list, recording any AES-128 key URI. SAMPLE-AES draws a warning unless
// it is FairPlay, which is reported as unsupported.
func ParseMedia(data []byte, mediaURL string, track Track, log *slog.Logger) (Track, error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return track, fmt.Errorf("parsing media playlist: %w", err)
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		return track, fmt.Errorf("expected media playlist, got %T", pl)
	}

	track.SegmentURLs = nil
	for _, seg := range media.Segments {
		if !urlutil.HasAnySuffix(seg.URI, segmentSuffixes...) {
			continue
		}
		uri, err := urlutil.Resolve(mediaURL, seg.URI)
		if err != nil {
			return track, fmt.Errorf("resolving segment URI: %w", err)
		}
		track.SegmentURLs = append(track.SegmentURLs, uri)
	}
	if len(track.SegmentURLs) > 0 {
		track.Ext = extOf(track.SegmentURLs[0])
	}

	// gohlslib does not surface EXT-X-KEY, so scan the raw playlist.
	keyURI, sampleAES, fairPlay := scanKeys(data)
	switch {
	case fairPlay:
		log.Warn("media playlist uses FairPlay key delivery, decryption unsupported",
			slog.String("playlist", mediaURL))
	case sampleAES:
		log.Warn("media playlist uses SAMPLE-AES encryption",
			slog.String("playlist", mediaURL))
	case keyURI != "":
		resolved, err := urlutil.Resolve(mediaURL, keyURI)
		if err != nil {
			return track, fmt.Errorf("resolving key URI: %w", err)
		}
		track.KeyURI = resolved
	}

	if len(track.SegmentURLs) == 0 {
		return track, fmt.Errorf("media playlist has no segments")
	}
	return track, nil
}

// scanKeys extracts EXT-X-KEY signalling from the raw playlist text.
func scanKeys(data []byte) (aesKeyURI string, sampleAES, fairPlay bool) {
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "#EXT-X-KEY:") {
			continue
		}
		attrs := parseAttrs(strings.TrimPrefix(line, "#EXT-X-KEY:"))
		switch attrs["METHOD"] {
		case "AES-128":
			if aesKeyURI == "" {
				aesKeyURI = attrs["URI"]
			}
		case "SAMPLE-AES":
			if attrs["KEYFORMAT"] == fairPlayKeyFormat {
				fairPlay = true
			} else {
				sampleAES = true
			}
		}
	}
	return aesKeyURI, sampleAES, fairPlay
}

// parseAttrs splits an HLS attribute list, honoring quoted values.
func parseAttrs(s string) map[string]string {
	attrs := make(map[string]string)
	var key strings.Builder
	var val strings.Builder
	inKey, inQuote := true, false
	flush := func() {
		if key.Len() > 0 {
			attrs[key.String()] = val.String()
		}
		key.Reset()
		val.Reset()
		inKey = true
	}
	for _, r := range s {
		switch {
		case inQuote:
			if r == '"' {
				inQuote = false
			} else {
				val.WriteRune(r)
			}
		case r == '"':
			inQuote = true
		case inKey && r == '=':
			inKey = false
		case r == ',':
			flush()
		case inKey:
			key.WriteRune(r)
		default:
			val.WriteRune(r)
		}
	}
	flush()
	return attrs
}

// parseResolution parses "1920x1080" into width and height.
func parseResolution(res string) (w, h int) {
	parts := strings.SplitN(strings.ToLower(res), "x", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	w, _ = strconv.Atoi(parts[0])
	h, _ = strconv.Atoi(parts[1])
	return w, h
}

// bandwidthFromName pulls a kbps figure out of rendition names like
// "AAC 128kbps" or "128k", returning bits per second.
func bandwidthFromName(name string) int {
	digits := strings.Builder{}
	for _, r := range name {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		} else if digits.Len() > 0 {
			break
		}
	}
	if digits.Len() == 0 {
		return 0
	}
	kbps, _ := strconv.Atoi(digits.String())
	return kbps * 1000
}

func extOf(u string) string {
	for _, s := range segmentSuffixes {
		if urlutil.HasAnySuffix(u, s) {
			return s
		}
	}
	return ".ts"
}
