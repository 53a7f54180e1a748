package berriz

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/berridl/berridl/internal/models"
	"github.com/berridl/berridl/internal/observability"
)

// TimeWindow restricts enumeration to items published inside [From, To],
// inclusive. Zero bounds are open.
type TimeWindow struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the window. Comparison is done
// in UTC.
func (w TimeWindow) Contains(t time.Time) bool {
	t = t.UTC()
	if !w.From.IsZero() && t.Before(w.From.UTC()) {
		return false
	}
	if !w.To.IsZero() && t.After(w.To.UTC()) {
		return false
	}
	return true
}

// Catalog is the partitioned result of one community enumeration.
type Catalog struct {
	VOD   []models.MediaDescriptor
	Live  []models.MediaDescriptor
	Photo []models.MediaDescriptor
}

// Total returns the item count across all partitions.
func (c Catalog) Total() int {
	return len(c.VOD) + len(c.Live) + len(c.Photo)
}

// Enumerator walks a community's media and live-replay listings.
type Enumerator struct {
	api *Client
	log *slog.Logger
}

// NewEnumerator creates an enumerator over the given API client.
func NewEnumerator(api *Client, log *slog.Logger) *Enumerator {
	return &Enumerator{
		api: api,
		log: observability.WithComponent(log, "enumerator"),
	}
}

// Enumerate fetches the media and live-replay listings concurrently,
// paginating each until hasNext is false, then partitions the merged items
// by media type within the time window.
func (e *Enumerator) Enumerate(ctx context.Context, communityID int64, window TimeWindow) (*Catalog, error) {
	var mediaItems, replayItems []MediaItem

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		items, err := e.drain(gctx, func(next string) (*MediaListPage, error) {
			return e.api.MediaList(gctx, communityID, next)
		})
		mediaItems = items
		return err
	})
	g.Go(func() error {
		items, err := e.drain(gctx, func(next string) (*MediaListPage, error) {
			return e.api.LiveReplayList(gctx, communityID, next)
		})
		replayItems = items
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	cat := &Catalog{}
	seen := make(map[string]bool)
	for _, item := range append(mediaItems, replayItems...) {
		if seen[item.MediaID] {
			continue
		}
		seen[item.MediaID] = true
		if !window.Contains(item.PublishedAt) {
			continue
		}
		desc := item.Descriptor(communityID)
		switch desc.Type {
		case models.MediaTypeVOD:
			cat.VOD = append(cat.VOD, desc)
		case models.MediaTypeLive:
			cat.Live = append(cat.Live, desc)
		case models.MediaTypePhoto:
			cat.Photo = append(cat.Photo, desc)
		default:
			e.log.Warn("skipping item with unknown media type",
				slog.String("media_id", item.MediaID),
				slog.String("media_type", item.MediaType))
		}
	}

	e.log.Debug("enumeration complete",
		slog.Int64("community_id", communityID),
		slog.Int("vod", len(cat.VOD)),
		slog.Int("live", len(cat.Live)),
		slog.Int("photo", len(cat.Photo)))
	return cat, nil
}

// drain paginates one listing endpoint until hasNext is false.
func (e *Enumerator) drain(ctx context.Context, fetch func(next string) (*MediaListPage, error)) ([]MediaItem, error) {
	var items []MediaItem
	next := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := fetch(next)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
		if !page.HasNext {
			return items, nil
		}
		next = page.Next
	}
}

// FilterFanclub splits descriptors by fanclub access. When the account is
// not subscribed, fanclub-only items are dropped; includeFanclub and
// includeRegular select which halves survive.
func FilterFanclub(items []models.MediaDescriptor, subscribed, includeFanclub, includeRegular bool) []models.MediaDescriptor {
	out := make([]models.MediaDescriptor, 0, len(items))
	for _, d := range items {
		if d.IsFanclubOnly {
			if includeFanclub && subscribed {
				out = append(out, d)
			}
			continue
		}
		if includeRegular {
			out = append(out, d)
		}
	}
	return out
}

// EnumerateBoard paginates a community board until it runs out of pages.
func (e *Enumerator) EnumerateBoard(ctx context.Context, communityID int64, window TimeWindow) ([]BoardPost, error) {
	return e.drainBoard(ctx, window, func(next string) (*BoardPage, error) {
		return e.api.BoardPosts(ctx, communityID, next)
	})
}

// EnumerateNotices paginates community notices until it runs out of pages.
func (e *Enumerator) EnumerateNotices(ctx context.Context, communityID int64, window TimeWindow) ([]BoardPost, error) {
	return e.drainBoard(ctx, window, func(next string) (*BoardPage, error) {
		return e.api.NoticeList(ctx, communityID, next)
	})
}

func (e *Enumerator) drainBoard(ctx context.Context, window TimeWindow, fetch func(next string) (*BoardPage, error)) ([]BoardPost, error) {
	var posts []BoardPost
	next := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := fetch(next)
		if err != nil {
			return nil, err
		}
		for _, p := range page.Posts {
			if window.Contains(p.PublishedAt) {
				posts = append(posts, p)
			}
		}
		if !page.HasNext || page.Cursor.Next == "" {
			return posts, nil
		}
		next = page.Cursor.Next
	}
}
