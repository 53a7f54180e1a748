package models

import "time"

// MediaType identifies what kind of item a MediaDescriptor refers to.
type MediaType string

const (
	// MediaTypeVOD is an on-demand video.
	MediaTypeVOD MediaType = "VOD"
	// MediaTypeLive is a live replay.
	MediaTypeLive MediaType = "LIVE"
	// MediaTypePhoto is a photo post.
	MediaTypePhoto MediaType = "PHOTO"
	// MediaTypePost is a board post.
	MediaTypePost MediaType = "POST"
	// MediaTypeNotice is a community notice.
	MediaTypeNotice MediaType = "NOTICE"
)

// MediaDescriptor identifies one acquirable item.
// IDs are unique within a type; PublishedAt is taken from the server as-is.
type MediaDescriptor struct {
	ID            string    `json:"id"`
	Type          MediaType `json:"type"`
	CommunityID   int64     `json:"community_id"`
	IsFanclubOnly bool      `json:"is_fanclub_only"`
	PublishedAt   time.Time `json:"published_at"`
	Title         string    `json:"title"`
}

// LicenseURLs holds the per-DRM license server endpoints of one playback.
type LicenseURLs struct {
	Widevine  string `json:"widevine,omitempty"`
	PlayReady string `json:"playready,omitempty"`
	FairPlay  string `json:"fairplay,omitempty"`
}

// Empty returns true when no license endpoint is known.
func (l LicenseURLs) Empty() bool {
	return l.Widevine == "" && l.PlayReady == "" && l.FairPlay == ""
}

// PlaybackContext carries everything needed to fetch and decrypt one media.
// When IsDRM is true, Assertion is non-empty and at least one LicenseURLs
// entry is populated.
type PlaybackContext struct {
	MPDURL      string        `json:"mpd_url,omitempty"`
	HLSURL      string        `json:"hls_url,omitempty"`
	IsDRM       bool          `json:"is_drm"`
	Assertion   string        `json:"assertion,omitempty"`
	LicenseURLs LicenseURLs   `json:"license_urls"`
	Duration    time.Duration `json:"duration,omitempty"`
	Orientation string        `json:"orientation,omitempty"`
	Thumbnail   string        `json:"thumbnail,omitempty"`
}

// HasStream reports whether at least one manifest URL is present.
func (p PlaybackContext) HasStream() bool {
	return p.MPDURL != "" || p.HLSURL != ""
}
