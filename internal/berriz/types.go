// Package berriz is the typed client for the platform's service API:
// media listings, playback resolution, communities, boards, and notices.
package berriz

import (
	"time"

	"github.com/berridl/berridl/internal/models"
)

// MediaItem is one entry of a media or live-replay listing.
type MediaItem struct {
	MediaID       string    `json:"mediaId"`
	MediaType     string    `json:"mediaType"` // VOD, LIVE, PHOTO
	Title         string    `json:"title"`
	ThumbnailURL  string    `json:"thumbnailUrl"`
	IsFanclubOnly bool      `json:"isFanclubOnly"`
	PublishedAt   time.Time `json:"publishedAt"`
}

// Descriptor converts a listing entry into the pipeline's media descriptor.
func (m MediaItem) Descriptor(communityID int64) models.MediaDescriptor {
	return models.MediaDescriptor{
		ID:            m.MediaID,
		Type:          models.MediaType(m.MediaType),
		CommunityID:   communityID,
		IsFanclubOnly: m.IsFanclubOnly,
		PublishedAt:   m.PublishedAt,
		Title:         m.Title,
	}
}

// MediaListPage is one page of a paginated media listing.
type MediaListPage struct {
	Items   []MediaItem `json:"contents"`
	HasNext bool        `json:"hasNext"`
	Next    string      `json:"next"`
}

// playbackInfo is the wire shape of the playback-info endpoint.
type playbackInfo struct {
	Media struct {
		IsDRM       bool   `json:"isDrm"`
		Duration    int64  `json:"duration"` // seconds
		Orientation string `json:"orientation"`
	} `json:"media"`
	PlaybackURLs struct {
		MPD string `json:"dash"`
		HLS string `json:"hls"`
	} `json:"playbackUrls"`
	DRM struct {
		Assertion   string `json:"acquirelicenseassertion"`
		LicenseURLs struct {
			Widevine  string `json:"widevine"`
			PlayReady string `json:"playready"`
			FairPlay  string `json:"fairplay"`
		} `json:"licenseUrls"`
	} `json:"drmInfo"`
}

// PublicContext is the presentation metadata of one media item.
type PublicContext struct {
	Media struct {
		MediaID     string    `json:"mediaId"`
		Title       string    `json:"title"`
		PublishedAt time.Time `json:"publishedAt"`
		Thumbnail   string    `json:"thumbnailUrl"`
	} `json:"media"`
	Community struct {
		CommunityID int64  `json:"communityId"`
		Name        string `json:"name"`
	} `json:"community"`
	Artists []struct {
		Name string `json:"name"`
	} `json:"artists"`

	// Photo posts carry their image URLs here.
	Photos []struct {
		URL string `json:"imageUrl"`
	} `json:"photos"`
}

// ArtistNames returns the artist names in listing order.
func (p PublicContext) ArtistNames() []string {
	names := make([]string, 0, len(p.Artists))
	for _, a := range p.Artists {
		names = append(names, a.Name)
	}
	return names
}

// ImageURLs returns the photo URLs of a photo post.
func (p PublicContext) ImageURLs() []string {
	urls := make([]string, 0, len(p.Photos))
	for _, ph := range p.Photos {
		urls = append(urls, ph.URL)
	}
	return urls
}

// Community is one entry of the community list.
type Community struct {
	CommunityID int64  `json:"communityId"`
	Key         string `json:"communityKey"`
	Name        string `json:"name"`
}

// BoardPost is one post of a community board.
type BoardPost struct {
	PostID      string    `json:"postId"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	ImageURLs   []string  `json:"imageUrls"`
	IsFanclub   bool      `json:"isFanclubOnly"`
	PublishedAt time.Time `json:"createdAt"`
}

// BoardPage is one page of board posts with the cursor shape the board
// endpoints use.
type BoardPage struct {
	Posts  []BoardPost `json:"posts"`
	Cursor struct {
		Next string `json:"next"`
	} `json:"cursor"`
	HasNext bool `json:"hasNext"`
}

// Notice is a community notice with its HTML body.
type Notice struct {
	NoticeID    string    `json:"noticeId"`
	Title       string    `json:"title"`
	BodyHTML    string    `json:"body"`
	PublishedAt time.Time `json:"publishedAt"`
}

// Translations are the per-language rendered variants of a post.
type Translations map[string]string

// TranslationLanguages are the variants persisted next to a post.
var TranslationLanguages = []string{"en", "ja", "ko", "zh"}
