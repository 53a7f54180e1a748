// Package download fetches track segments with bounded concurrency and
// merges them into single files.
package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/berridl/berridl/internal/httpclient"
	"github.com/berridl/berridl/internal/manifest"
	"github.com/berridl/berridl/internal/observability"
	"github.com/berridl/berridl/internal/progress"
)

const (
	// segmentAttempts is the per-segment download attempt budget on top
	// of the client's own request retries.
	segmentAttempts = 3

	// copyBlockSize is the streaming block size for segment bodies.
	copyBlockSize = 1536 * 1024 // 1.5 MiB

	// minInitURLLength: anything at or below this is "no init segment"
	// (the HLS case leaves the field effectively empty).
	minInitURLLength = 4
)

// TrackFiles is the on-disk result of downloading one track.
type TrackFiles struct {
	Track    manifest.Track
	Dir      string   // <base>/<video|audio>
	InitPath string   // empty when the track has no init segment
	Segments []string // seg_<type>_<idx><ext>, in index order
}

// Downloader fetches track segments. The semaphore is shared across all
// jobs so total in-flight segment fetches stay bounded.
type Downloader struct {
	hc      *httpclient.Client
	sem     *semaphore.Weighted
	timeout time.Duration
	log     *slog.Logger
}

// NewDownloader creates a segment downloader. timeout bounds each whole
// segment request.
func NewDownloader(hc *httpclient.Client, sem *semaphore.Weighted, timeout time.Duration, log *slog.Logger) *Downloader {
	return &Downloader{
		hc:      hc,
		sem:     sem,
		timeout: timeout,
		log:     observability.WithComponent(log, "download"),
	}
}

// DownloadTrack fetches the track's init segment (when present) and all
// media segments into <baseDir>/<track type>/. On cancellation the whole
// baseDir is removed.
func (d *Downloader) DownloadTrack(ctx context.Context, track manifest.Track, baseDir string, cb progress.Callback) (*TrackFiles, error) {
	dir := filepath.Join(baseDir, string(track.Type))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating track directory: %w", err)
	}

	files := &TrackFiles{Track: track, Dir: dir}
	tracker := progress.NewTracker(string(track.Type)+" seg", int64(len(track.SegmentURLs)), cb)
	tracker.Start(progress.StateDownloading)

	if len(track.InitURL) > minInitURLLength {
		initPath := filepath.Join(dir, fmt.Sprintf("init_%s.mp4", track.Type))
		if err := d.fetchSegment(ctx, track.InitURL, initPath); err != nil {
			tracker.Fail(err)
			d.cleanupOnCancel(ctx, baseDir)
			return nil, fmt.Errorf("downloading init segment: %w", err)
		}
		files.InitPath = initPath
	}

	files.Segments = make([]string, len(track.SegmentURLs))
	g, gctx := errgroup.WithContext(ctx)
	for i, segURL := range track.SegmentURLs {
		path := filepath.Join(dir, fmt.Sprintf("seg_%s_%d%s", track.Type, i, track.Ext))
		files.Segments[i] = path

		g.Go(func() error {
			if err := d.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer d.sem.Release(1)

			if err := d.fetchSegment(gctx, segURL, path); err != nil {
				return fmt.Errorf("segment %d: %w", i, err)
			}
			tracker.Add(1)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			tracker.Cancel()
		} else {
			tracker.Fail(err)
		}
		d.cleanupOnCancel(ctx, baseDir)
		return nil, err
	}

	tracker.Done()
	return files, nil
}

// fetchSegment downloads one URL to a file, retrying with the client's
// backoff. On final failure a HEAD probe accepts an already-complete
// partial file whose size matches Content-Length.
func (d *Downloader) fetchSegment(ctx context.Context, url, path string) error {
	var lastErr error
	for attempt := 0; attempt < segmentAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = d.fetchToFile(ctx, url, path)
		if lastErr == nil {
			return nil
		}
		d.log.Debug("segment attempt failed",
			slog.String("url", url),
			slog.Int("attempt", attempt+1),
			slog.String("error", lastErr.Error()))
	}

	if d.acceptPartial(ctx, url, path) {
		d.log.Warn("accepting partial segment matching Content-Length",
			slog.String("path", filepath.Base(path)))
		return nil
	}
	return lastErr
}

func (d *Downloader) fetchToFile(ctx context.Context, url, path string) error {
	resp, err := d.hc.Get(ctx, url,
		httpclient.WithoutCookies(),
		httpclient.WithTimeout(d.timeout))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("segment status %d", resp.StatusCode)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating segment file: %w", err)
	}

	buf := make([]byte, copyBlockSize)
	_, copyErr := io.CopyBuffer(f, resp.Body, buf)
	closeErr := f.Close()
	if copyErr != nil {
		return fmt.Errorf("writing segment: %w", copyErr)
	}
	return closeErr
}

// acceptPartial reports whether the local file already holds the complete
// segment according to a HEAD probe.
func (d *Downloader) acceptPartial(ctx context.Context, url, path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return false
	}

	resp, err := d.hc.Head(ctx, url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	length, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil {
		return false
	}
	return info.Size() == length
}

// cleanupOnCancel removes the job's download tree when the context died.
func (d *Downloader) cleanupOnCancel(ctx context.Context, baseDir string) {
	if ctx.Err() == nil {
		return
	}
	if err := os.RemoveAll(baseDir); err != nil {
		d.log.Warn("removing cancelled download directory",
			slog.String("dir", baseDir),
			slog.String("error", err.Error()))
	}
}
