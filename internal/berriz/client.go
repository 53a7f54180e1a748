package berriz

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/berridl/berridl/internal/httpclient"
	"github.com/berridl/berridl/internal/models"
	"github.com/berridl/berridl/internal/observability"
)

// Pagination constants. Media listings use a randomized large page size;
// board and notice listings use a fixed one.
const (
	mediaPageSizeMin = 25000
	mediaPageSizeMax = 30000
	boardPageSize    = 10000
)

// Client is the typed service API client.
type Client struct {
	hc   *httpclient.Client
	base string // e.g. https://svc-api.berriz.in/service/v1.0
	log  *slog.Logger
}

// NewClient creates a service API client. base falls back to the
// production host when empty.
func NewClient(hc *httpclient.Client, base string, log *slog.Logger) *Client {
	if base == "" {
		base = "https://svc-api.berriz.in/service/v1.0"
	}
	return &Client{
		hc:   hc,
		base: base,
		log:  observability.WithComponent(log, "berriz"),
	}
}

// getInto GETs an endpoint and decodes the envelope's data field.
func (c *Client) getInto(ctx context.Context, endpoint string, out any, opts ...httpclient.Option) error {
	env, err := c.hc.GetJSON(ctx, endpoint, opts...)
	if err != nil {
		return err
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decoding %s: %w", endpoint, err)
		}
	}
	return nil
}

func (c *Client) postInto(ctx context.Context, endpoint string, body, out any) error {
	env, err := c.hc.PostJSON(ctx, endpoint, httpclient.WithJSONBody(body))
	if err != nil {
		return err
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decoding %s: %w", endpoint, err)
		}
	}
	return nil
}

// mediaPageSize picks the randomized page size for media listings.
func mediaPageSize() int {
	return mediaPageSizeMin + rand.Intn(mediaPageSizeMax-mediaPageSizeMin+1)
}

// MediaList fetches one page of a community's media listing.
func (c *Client) MediaList(ctx context.Context, communityID int64, next string) (*MediaListPage, error) {
	q := url.Values{}
	q.Set("pageSize", fmt.Sprint(mediaPageSize()))
	if next != "" {
		q.Set("next", next)
	}
	var page MediaListPage
	err := c.getInto(ctx, fmt.Sprintf("%s/medias/community/%d?%s", c.base, communityID, q.Encode()), &page)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// LiveReplayList fetches one page of a community's live-replay listing.
func (c *Client) LiveReplayList(ctx context.Context, communityID int64, next string) (*MediaListPage, error) {
	q := url.Values{}
	q.Set("pageSize", fmt.Sprint(mediaPageSize()))
	if next != "" {
		q.Set("next", next)
	}
	var page MediaListPage
	err := c.getInto(ctx, fmt.Sprintf("%s/medias/community/%d/live/replay?%s", c.base, communityID, q.Encode()), &page)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// PlaybackInfo resolves the playback context of one media item.
func (c *Client) PlaybackInfo(ctx context.Context, mediaID string) (*models.PlaybackContext, error) {
	var info playbackInfo
	if err := c.getInto(ctx, fmt.Sprintf("%s/medias/%s/playback_info", c.base, mediaID), &info); err != nil {
		return nil, err
	}

	pc := &models.PlaybackContext{
		MPDURL:      info.PlaybackURLs.MPD,
		HLSURL:      info.PlaybackURLs.HLS,
		IsDRM:       info.Media.IsDRM,
		Assertion:   info.DRM.Assertion,
		Duration:    time.Duration(info.Media.Duration) * time.Second,
		Orientation: info.Media.Orientation,
		LicenseURLs: models.LicenseURLs{
			Widevine:  info.DRM.LicenseURLs.Widevine,
			PlayReady: info.DRM.LicenseURLs.PlayReady,
			FairPlay:  info.DRM.LicenseURLs.FairPlay,
		},
	}

	if !pc.HasStream() {
		return nil, fmt.Errorf("%w: playback info for %s has no stream URL", models.ErrNoManifest, mediaID)
	}
	if pc.IsDRM && (pc.Assertion == "" || pc.LicenseURLs.Empty()) {
		return nil, fmt.Errorf("playback info for %s is DRM without license data", mediaID)
	}
	return pc, nil
}

// PublicContext fetches the presentation metadata of one media item.
func (c *Client) PublicContext(ctx context.Context, mediaID string) (*PublicContext, error) {
	var pub PublicContext
	if err := c.getInto(ctx, fmt.Sprintf("%s/medias/%s/public_context", c.base, mediaID), &pub); err != nil {
		return nil, err
	}
	return &pub, nil
}

// Communities fetches the full community list.
func (c *Client) Communities(ctx context.Context) ([]Community, error) {
	var data struct {
		Communities []Community `json:"communities"`
	}
	if err := c.getInto(ctx, c.base+"/community/list", &data); err != nil {
		return nil, err
	}
	return data.Communities, nil
}

// JoinCommunity joins the account to a community.
func (c *Client) JoinCommunity(ctx context.Context, communityID int64) error {
	return c.postInto(ctx, fmt.Sprintf("%s/community/%d/join", c.base, communityID), map[string]any{}, nil)
}

// LeaveCommunity removes the account from a community.
func (c *Client) LeaveCommunity(ctx context.Context, communityID int64) error {
	return c.postInto(ctx, fmt.Sprintf("%s/community/%d/leave", c.base, communityID), map[string]any{}, nil)
}

// FanclubSubscribed reports whether the account holds a fanclub
// subscription in the community.
func (c *Client) FanclubSubscribed(ctx context.Context, communityID int64) (bool, error) {
	var data struct {
		Subscribed bool `json:"subscribed"`
	}
	err := c.getInto(ctx, fmt.Sprintf("%s/community/%d/fanclub/me", c.base, communityID), &data)
	if err != nil {
		// A fanclub endpoint error means "not subscribed" for filtering
		// purposes, except for transport failures.
		if models.IsCode(err, models.CodeFanclubOnly) {
			return false, nil
		}
		return false, err
	}
	return data.Subscribed, nil
}

// BoardPosts fetches one page of a community board.
func (c *Client) BoardPosts(ctx context.Context, communityID int64, next string) (*BoardPage, error) {
	q := url.Values{}
	q.Set("pageSize", fmt.Sprint(boardPageSize))
	if next != "" {
		q.Set("next", next)
	}
	var page BoardPage
	err := c.getInto(ctx, fmt.Sprintf("%s/community/%d/board/posts?%s", c.base, communityID, q.Encode()), &page)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// NoticeList fetches one page of community notices.
func (c *Client) NoticeList(ctx context.Context, communityID int64, next string) (*BoardPage, error) {
	q := url.Values{}
	q.Set("pageSize", fmt.Sprint(boardPageSize))
	if next != "" {
		q.Set("next", next)
	}
	var page BoardPage
	err := c.getInto(ctx, fmt.Sprintf("%s/community/%d/notices?%s", c.base, communityID, q.Encode()), &page)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// NoticeDetail fetches a notice with its HTML body.
func (c *Client) NoticeDetail(ctx context.Context, noticeID string) (*Notice, error) {
	var data struct {
		Notice Notice `json:"notice"`
	}
	if err := c.getInto(ctx, fmt.Sprintf("%s/notices/%s", c.base, noticeID), &data); err != nil {
		return nil, err
	}
	return &data.Notice, nil
}

// Translate fetches the translated variant of a post body. A 403 from the
// translation endpoint yields an empty result instead of a retry storm.
func (c *Client) Translate(ctx context.Context, postID, language string) (string, error) {
	var data struct {
		Body string `json:"body"`
	}
	endpoint := fmt.Sprintf("%s/translations/post/%s?lang=%s", c.base, postID, url.QueryEscape(language))
	err := c.getInto(ctx, endpoint, &data, httpclient.WithEmptyOnForbidden())
	if err != nil {
		return "", err
	}
	return data.Body, nil
}
