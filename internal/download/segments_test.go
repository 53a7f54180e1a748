package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/berridl/berridl/internal/httpclient"
	"github.com/berridl/berridl/internal/manifest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDownloader(t *testing.T) *Downloader {
	t.Helper()
	hc := httpclient.New(httpclient.Config{Logger: discardLogger(), RetryAttempts: 1})
	return NewDownloader(hc, semaphore.NewWeighted(50), 10*time.Second, discardLogger())
}

func segmentServer(t *testing.T, payload func(path string) []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := payload(r.URL.Path)
		if body == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDownloadTrackWithInit(t *testing.T) {
	srv := segmentServer(t, func(path string) []byte {
		return []byte("data:" + path)
	})

	track := manifest.Track{
		Type:    manifest.TrackVideo,
		InitURL: srv.URL + "/init.mp4",
		Ext:     ".m4s",
		SegmentURLs: []string{
			srv.URL + "/seg0.m4s",
			srv.URL + "/seg1.m4s",
			srv.URL + "/seg2.m4s",
		},
	}

	base := t.TempDir()
	files, err := newTestDownloader(t).DownloadTrack(context.Background(), track, base, nil)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(base, "video"), files.Dir)
	require.FileExists(t, files.InitPath)
	assert.Equal(t, "init_video.mp4", filepath.Base(files.InitPath))

	require.Len(t, files.Segments, 3)
	for i, seg := range files.Segments {
		assert.Equal(t, fmt.Sprintf("seg_video_%d.m4s", i), filepath.Base(seg))
		data, err := os.ReadFile(seg)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("data:/seg%d.m4s", i), string(data))
	}
}

func TestDownloadTrackSkipsShortInitURL(t *testing.T) {
	srv := segmentServer(t, func(path string) []byte { return []byte("x") })

	track := manifest.Track{
		Type:        manifest.TrackAudio,
		InitURL:     "", // HLS: no init
		Ext:         ".ts",
		SegmentURLs: []string{srv.URL + "/a.ts"},
	}

	files, err := newTestDownloader(t).DownloadTrack(context.Background(), track, t.TempDir(), nil)
	require.NoError(t, err)
	assert.Empty(t, files.InitPath)
}

func TestDownloadTrackCancellationRemovesBaseDir(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte("late"))
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	track := manifest.Track{
		Type:        manifest.TrackVideo,
		Ext:         ".m4s",
		SegmentURLs: []string{srv.URL + "/seg0.m4s"},
	}

	base := filepath.Join(t.TempDir(), "job")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := newTestDownloader(t).DownloadTrack(ctx, track, base, nil)
	require.Error(t, err)
	assert.NoDirExists(t, base)
}

func TestFetchSegmentAcceptsCompletePartial(t *testing.T) {
	payload := []byte("complete segment payload")
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			// The probe reports the true size.
			w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
			return
		}
		gets.Add(1)
		// Every GET promises one byte more than it delivers, so the body
		// read always fails after the real payload arrived.
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)+1))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	d := newTestDownloader(t)
	path := filepath.Join(t.TempDir(), "seg_video_0.m4s")

	err := d.fetchSegment(context.Background(), srv.URL+"/seg", path)
	require.NoError(t, err, "partial matching HEAD Content-Length is accepted")
	assert.Equal(t, int32(segmentAttempts), gets.Load())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestFetchSegmentFailsOnMismatchedPartial(t *testing.T) {
	srv := segmentServer(t, func(path string) []byte { return nil })

	d := newTestDownloader(t)
	path := filepath.Join(t.TempDir(), "seg_video_0.m4s")
	err := d.fetchSegment(context.Background(), srv.URL+"/missing", path)
	assert.Error(t, err)
}
