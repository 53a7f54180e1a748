// Package manifest parses DASH MPDs and HLS playlists into downloadable
// tracks, extracts DRM protection info, and applies track selection.
package manifest

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/berridl/berridl/internal/urlutil"
)

// ContentProtection scheme URIs.
const (
	schemeMP4Protection = "urn:mpeg:dash:mp4protection:2011"
	schemeWidevine      = "urn:uuid:edef8ba9-79d6-4ace-a3c8-27dcd51d21ed"
	schemePlayReady     = "urn:uuid:9a04f079-9840-4286-ab92-e65be0885f95"
)

// TrackType discriminates the two downloadable track kinds.
type TrackType string

const (
	TrackVideo TrackType = "video"
	TrackAudio TrackType = "audio"
)

// Track is one downloadable stream: an optional init URL plus ordered
// segment URLs. Height/Bandwidth drive selection.
type Track struct {
	Type        TrackType
	ID          string
	Width       int
	Height      int
	Bandwidth   int // bits per second
	Codecs      string
	InitURL     string
	SegmentURLs []string
	Ext         string // segment file extension including the dot
	KeyURI      string // HLS AES-128 key URI, empty otherwise
}

// Protection carries the DRM signalling found in an MPD.
type Protection struct {
	DefaultKID   string   // 32 lowercase hex chars, dashes stripped
	WidevinePSSH []string // base64, each 76 chars ending '='
	PlayReadyPro []string // base64 WRM header blobs
}

// IsDRM reports whether any protection was signalled.
func (p Protection) IsDRM() bool {
	return p.DefaultKID != "" || len(p.WidevinePSSH) > 0 || len(p.PlayReadyPro) > 0
}

// Presentation is a parsed manifest ready for selection and download.
type Presentation struct {
	BaseURL    string
	Video      []Track
	Audio      []Track
	Protection Protection
}

// mpdXML mirrors the subset of the MPD schema the service emits.
type mpdXML struct {
	XMLName xml.Name    `xml:"MPD"`
	BaseURL string      `xml:"BaseURL"`
	Periods []periodXML `xml:"Period"`
}

type periodXML struct {
	BaseURL        string             `xml:"BaseURL"`
	AdaptationSets []adaptationSetXML `xml:"AdaptationSet"`
}

type adaptationSetXML struct {
	ContentType       string                 `xml:"contentType,attr"`
	MimeType          string                 `xml:"mimeType,attr"`
	ContentProtection []contentProtectionXML `xml:"ContentProtection"`
	SegmentTemplate   *segmentTemplateXML    `xml:"SegmentTemplate"`
	Representations   []representationXML    `xml:"Representation"`
}

type contentProtectionXML struct {
	SchemeIDURI string `xml:"schemeIdUri,attr"`
	DefaultKID  string `xml:"default_KID,attr"`
	PSSH        string `xml:"pssh"`
	Pro         string `xml:"pro"`
}

type representationXML struct {
	ID              string              `xml:"id,attr"`
	Bandwidth       int                 `xml:"bandwidth,attr"`
	Width           int                 `xml:"width,attr"`
	Height          int                 `xml:"height,attr"`
	Codecs          string              `xml:"codecs,attr"`
	MimeType        string              `xml:"mimeType,attr"`
	SegmentTemplate *segmentTemplateXML `xml:"SegmentTemplate"`
}

type segmentTemplateXML struct {
	Initialization string              `xml:"initialization,attr"`
	Media          string              `xml:"media,attr"`
	Timescale      int64               `xml:"timescale,attr"`
	Timeline       *segmentTimelineXML `xml:"SegmentTimeline"`
}

type segmentTimelineXML struct {
	Segments []timelineSXML `xml:"S"`
}

type timelineSXML struct {
	T *int64 `xml:"t,attr"`
	D int64  `xml:"d,attr"`
	R int64  `xml:"r,attr"`
}

// ParseMPD parses a DASH MPD into a Presentation, expanding every
// SegmentTemplate/SegmentTimeline pair into absolute segment URLs.
func ParseMPD(data []byte, manifestURL string) (*Presentation, error) {
	var doc mpdXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing MPD: %w", err)
	}
	if len(doc.Periods) == 0 {
		return nil, fmt.Errorf("MPD has no Period")
	}

	base := urlutil.BaseOf(manifestURL)
	if doc.BaseURL != "" {
		resolved, err := urlutil.Resolve(base, doc.BaseURL)
		if err == nil {
			base = resolved
		}
	}

	p := &Presentation{BaseURL: base}

	for _, period := range doc.Periods {
		periodBase := base
		if period.BaseURL != "" {
			if resolved, err := urlutil.Resolve(base, period.BaseURL); err == nil {
				periodBase = resolved
			}
		}

		for _, as := range period.AdaptationSets {
			collectProtection(as.ContentProtection, &p.Protection)

			for _, rep := range as.Representations {
				tmpl := rep.SegmentTemplate
				if tmpl == nil {
					tmpl = as.SegmentTemplate
				}
				if tmpl == nil || tmpl.Timeline == nil {
					continue
				}

				track, err := expandTemplate(periodBase, rep, tmpl, trackTypeOf(as, rep))
				if err != nil {
					return nil, fmt.Errorf("representation %s: %w", rep.ID, err)
				}

				switch track.Type {
				case TrackVideo:
					p.Video = append(p.Video, track)
				case TrackAudio:
					p.Audio = append(p.Audio, track)
				}
			}
		}
	}

	if len(p.Video) == 0 && len(p.Audio) == 0 {
		return nil, fmt.Errorf("MPD yielded no downloadable tracks")
	}
	return p, nil
}

// collectProtection folds an adaptation set's ContentProtection elements
// into the presentation-wide protection info, deduplicating PSSH blobs.
func collectProtection(elems []contentProtectionXML, out *Protection) {
	for _, cp := range elems {
		switch {
		case strings.EqualFold(cp.SchemeIDURI, schemeMP4Protection):
			kid := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(cp.DefaultKID), "-", ""))
			if len(kid) == 32 && out.DefaultKID == "" {
				out.DefaultKID = kid
			}

		case strings.EqualFold(cp.SchemeIDURI, schemeWidevine):
			pssh := strings.TrimSpace(cp.PSSH)
			if IsWidevinePSSH(pssh) && !contains(out.WidevinePSSH, pssh) {
				out.WidevinePSSH = append(out.WidevinePSSH, pssh)
			}

		case strings.EqualFold(cp.SchemeIDURI, schemePlayReady):
			pro := strings.TrimSpace(cp.Pro)
			if pro != "" && !contains(out.PlayReadyPro, pro) {
				out.PlayReadyPro = append(out.PlayReadyPro, pro)
			}
		}
	}
}

// expandTemplate expands a SegmentTemplate+SegmentTimeline into absolute
// init and segment URLs. The time cursor starts at each S element's t when
// present and otherwise continues from the previous segment.
func expandTemplate(base string, rep representationXML, tmpl *segmentTemplateXML, tt TrackType) (Track, error) {
	track := Track{
		Type:      tt,
		ID:        rep.ID,
		Width:     rep.Width,
		Height:    rep.Height,
		Bandwidth: rep.Bandwidth,
		Codecs:    rep.Codecs,
		Ext:       ".m4s",
	}

	if tmpl.Initialization != "" {
		initPath := substituteID(tmpl.Initialization, rep.ID)
		initURL, err := urlutil.Resolve(base, initPath)
		if err != nil {
			return track, fmt.Errorf("resolving init URL: %w", err)
		}
		track.InitURL = initURL
	}

	if tmpl.Media == "" {
		return track, fmt.Errorf("SegmentTemplate has no media attribute")
	}
	mediaTmpl := substituteID(tmpl.Media, rep.ID)

	var cursor int64
	for _, s := range tmpl.Timeline.Segments {
		if s.T != nil {
			cursor = *s.T
		}
		for repeat := int64(0); repeat <= s.R; repeat++ {
			path := strings.ReplaceAll(mediaTmpl, "$Time$", strconv.FormatInt(cursor, 10))
			segURL, err := urlutil.Resolve(base, path)
			if err != nil {
				return track, fmt.Errorf("resolving segment URL: %w", err)
			}
			track.SegmentURLs = append(track.SegmentURLs, segURL)
			cursor += s.D
		}
	}

	if len(track.SegmentURLs) == 0 {
		return track, fmt.Errorf("SegmentTimeline expanded to zero segments")
	}
	return track, nil
}

func substituteID(tmpl, repID string) string {
	return strings.ReplaceAll(tmpl, "$RepresentationID$", repID)
}

// trackTypeOf derives the track type from contentType or mimeType, on the
// adaptation set first and the representation as fallback.
func trackTypeOf(as adaptationSetXML, rep representationXML) TrackType {
	for _, hint := range []string{as.ContentType, as.MimeType, rep.MimeType} {
		switch {
		case strings.HasPrefix(hint, "video"):
			return TrackVideo
		case strings.HasPrefix(hint, "audio"):
			return TrackAudio
		}
	}
	if rep.Height > 0 || rep.Width > 0 {
		return TrackVideo
	}
	return TrackAudio
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
