package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/berridl/berridl/internal/berriz"
	"github.com/berridl/berridl/internal/httpclient"
	"github.com/berridl/berridl/internal/models"
	"github.com/berridl/berridl/internal/pathutil"
)

// runPhotos processes photo posts; image fetches within each post share
// the photo semaphore.
func (p *Pipeline) runPhotos(ctx context.Context, community *berriz.Community, items []models.MediaDescriptor, opts Options, res *Result) {
	for _, d := range items {
		if ctx.Err() != nil {
			return
		}
		job := NewJob(d)
		res.Jobs = append(res.Jobs, job)
		if p.gate(job, res) {
			continue
		}
		p.finish(job, res, p.processPhoto(ctx, community, job, opts))
	}
}

func (p *Pipeline) processPhoto(ctx context.Context, community *berriz.Community, job *Job, opts Options) error {
	job.setState(JobFetching)

	pub, err := p.api.PublicContext(ctx, job.Descriptor.ID)
	if err != nil {
		return fmt.Errorf("public context: %w", err)
	}
	urls := pub.ImageURLs()
	if len(urls) == 0 {
		return fmt.Errorf("photo post %s has no images", job.Descriptor.ID)
	}
	if opts.NoDownload {
		return nil
	}

	info := &PublicInfo{
		MediaID:       pub.Media.MediaID,
		Title:         pub.Media.Title,
		CommunityName: community.Name,
		Artists:       pub.ArtistNames(),
		PublishedAt:   pub.Media.PublishedAt,
	}
	dir := filepath.Join(p.outputRoot(community), "Images")
	if !p.cfg.Output.NoSubfolder {
		dir = filepath.Join(dir, pathutil.BuildName(p.cfg.Output.DirTemplate, p.templateFields(info)))
	}

	job.setState(JobDownloading)
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		g.Go(func() error {
			if err := p.photoSem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer p.photoSem.Release(1)
			dest := filepath.Join(dir, imageFileName(u, i))
			return p.fetchFile(gctx, u, dest)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("downloading images: %w", err)
	}

	p.log.Info("photo post complete",
		slog.String("media_id", job.Descriptor.ID),
		slog.Int("images", len(urls)))
	return nil
}

// imageFileName derives a stable local name from the URL, falling back to
// a sequence number when the URL path has none.
func imageFileName(rawURL string, idx int) string {
	base := rawURL
	if q := strings.IndexByte(base, '?'); q >= 0 {
		base = base[:q]
	}
	base = filepath.Base(base)
	if base == "" || base == "." || base == "/" {
		return fmt.Sprintf("image_%03d.jpg", idx+1)
	}
	return pathutil.Sanitize(base)
}

// fetchFile downloads a URL to a local path, creating parent directories.
func (p *Pipeline) fetchFile(ctx context.Context, url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	resp, err := p.hc.Get(ctx, url, httpclient.WithoutCookies())
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(dest)
		return err
	}
	return f.Close()
}
