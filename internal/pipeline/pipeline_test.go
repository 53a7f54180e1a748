package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/berridl/berridl/internal/berriz"
	"github.com/berridl/berridl/internal/config"
	"github.com/berridl/berridl/internal/dedup"
	"github.com/berridl/berridl/internal/download"
	"github.com/berridl/berridl/internal/httpclient"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func envelope(data string) string {
	return fmt.Sprintf(`{"code":"0000","message":"ok","data":%s}`, data)
}

// fakeService serves the subset of the platform API the pipeline touches.
type fakeService struct {
	mediaType string // VOD or PHOTO for the single listed item
	hls       bool   // serve an HLS-only stream instead of DASH
	images    []byte
	segment   []byte
}

func (f *fakeService) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		switch {
		case path == "/community/list":
			fmt.Fprint(w, envelope(`{"communities":[{"communityId":7,"communityKey":"ive","name":"IVE"}]}`))
		case strings.HasSuffix(path, "/fanclub/me"):
			fmt.Fprint(w, envelope(`{"subscribed":false}`))
		case strings.HasSuffix(path, "/live/replay"):
			fmt.Fprint(w, envelope(`{"contents":[],"hasNext":false}`))
		case strings.HasPrefix(path, "/medias/community/"):
			fmt.Fprint(w, envelope(fmt.Sprintf(
				`{"contents":[{"mediaId":"m1","mediaType":%q,"title":"Snap","publishedAt":"2025-11-01T00:00:00Z"}],"hasNext":false}`,
				f.mediaType)))
		case strings.HasSuffix(path, "/playback_info"):
			urls := `"dash":"` + serverURL(r) + `/manifest.mpd"`
			if f.hls {
				urls = `"hls":"` + serverURL(r) + `/master.m3u8"`
			}
			fmt.Fprint(w, envelope(`{
				"media":{"isDrm":false,"duration":4},
				"playbackUrls":{`+urls+`}
			}`))
		case strings.HasSuffix(path, "/public_context"):
			fmt.Fprint(w, envelope(`{
				"media":{"mediaId":"m1","title":"Snap","publishedAt":"2025-11-01T00:00:00Z"},
				"community":{"communityId":7,"name":"IVE"},
				"artists":[{"name":"WONYOUNG"}],
				"photos":[{"imageUrl":"`+serverURL(r)+`/img/a.jpg"},{"imageUrl":"`+serverURL(r)+`/img/b.jpg"}]
			}`))
		case path == "/manifest.mpd":
			fmt.Fprint(w, clearMPD)
		case path == "/master.m3u8":
			fmt.Fprint(w, clearMaster)
		case strings.HasPrefix(path, "/img/"):
			w.Write(f.images)
		case strings.HasPrefix(path, "/seg/"):
			w.Header().Set("Content-Length", fmt.Sprint(len(f.segment)))
			w.Write(f.segment)
		case strings.HasSuffix(path, "/notices") && r.URL.Query().Get("next") == "":
			fmt.Fprint(w, envelope(`{"posts":[{"postId":"n1","title":"Maintenance","createdAt":"2025-11-01T00:00:00Z"}],"hasNext":false}`))
		case strings.HasPrefix(path, "/notices/"):
			fmt.Fprint(w, envelope(`{"notice":{"noticeId":"n1","title":"Maintenance","body":"<p>Down at noon.</p>","publishedAt":"2025-11-01T00:00:00Z"}}`))
		default:
			t.Logf("unexpected request: %s", path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func serverURL(r *http.Request) string {
	return "http://" + r.Host
}

// clearMPD is a minimal unprotected manifest with one video track.
const clearMPD = `<?xml version="1.0"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011">
  <Period>
    <AdaptationSet contentType="video" mimeType="video/mp4">
      <Representation id="v1" width="1920" height="1080" bandwidth="4000000" codecs="avc1.640028">
        <SegmentTemplate initialization="/seg/init_$RepresentationID$.mp4" media="/seg/$RepresentationID$_$Time$.m4s" timescale="1000">
          <SegmentTimeline><S t="0" d="2000" r="1"/></SegmentTimeline>
        </SegmentTemplate>
      </Representation>
    </AdaptationSet>
  </Period>
</MPD>`

// clearMaster is a minimal unprotected master playlist with one variant.
const clearMaster = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-STREAM-INF:BANDWIDTH=4000000,RESOLUTION=1920x1080,CODECS="avc1.640028"
/media.m3u8
`

func newTestPipeline(t *testing.T, srv *httptest.Server, workDir string) *Pipeline {
	t.Helper()

	cfg := &config.Config{}
	cfg.Output.DownloadDir = filepath.Join(workDir, "download")
	cfg.Output.DirTemplate = "{date} {title}"
	cfg.Output.VideoTemplate = "{date} {community_name} {artis} {title}"
	cfg.Output.DateFormat = "060102"
	cfg.Container.Mux = config.MuxFFmpeg
	cfg.Container.Video = "mp4"
	cfg.Streaming.VideoChoice = config.TrackChoiceAsk
	cfg.Streaming.AudioChoice = config.TrackChoiceAsk
	cfg.TimeZone.OffsetHours = 9
	cfg.Download.PhotoConcurrency = 7
	cfg.Download.PostConcurrency = 40
	cfg.Download.SegmentTimeout = 10 * time.Second
	cfg.Download.CleanIntermediate = true

	hc := httpclient.New(httpclient.Config{Logger: discardLogger()})
	api := berriz.NewClient(hc, srv.URL, discardLogger())

	ledger, err := dedup.Open(filepath.Join(workDir, "lock", "download_info.bin"), dedup.Policy{Default: true}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close(context.Background()) })

	return New(Deps{
		Config:   cfg,
		HTTP:     hc,
		API:      api,
		Resolver: berriz.NewCommunityResolver(api, filepath.Join(workDir, "static"), discardLogger()),
		Ledger:   ledger,
		Download: download.NewDownloader(hc, semaphore.NewWeighted(8), 10*time.Second, discardLogger()),
		Merger:   download.NewMerger(discardLogger()),
		Logger:   discardLogger(),
	})
}

func TestRunPhotosEndToEnd(t *testing.T) {
	svc := &fakeService{mediaType: "PHOTO", images: []byte("jpegdata")}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	workDir := t.TempDir()
	p := newTestPipeline(t, srv, workDir)

	res, err := p.Run(context.Background(), Options{Community: "ive"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Done)
	assert.Zero(t, res.Failed)

	dir := filepath.Join(workDir, "download", "IVE", "Images", "251101 Snap")
	assert.FileExists(t, filepath.Join(dir, "a.jpg"))
	assert.FileExists(t, filepath.Join(dir, "b.jpg"))
}

func TestRunSkipsProcessedItems(t *testing.T) {
	svc := &fakeService{mediaType: "PHOTO", images: []byte("jpegdata")}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	workDir := t.TempDir()
	p := newTestPipeline(t, srv, workDir)

	res, err := p.Run(context.Background(), Options{Community: "ive"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Done)
	require.NoError(t, p.ledger.Flush())

	res, err = p.Run(context.Background(), Options{Community: "ive"})
	require.NoError(t, err)
	assert.Zero(t, res.Done)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, JobSkipped, res.Jobs[0].State())
}

func TestRunVideoClearStreamSkipMux(t *testing.T) {
	svc := &fakeService{mediaType: "VOD", segment: []byte("SEGDATA!")}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	workDir := t.TempDir()
	p := newTestPipeline(t, srv, workDir)

	res, err := p.Run(context.Background(), Options{Community: "ive", SkipMux: true})
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	require.NoError(t, res.Jobs[0].Err())
	assert.Equal(t, 1, res.Done)

	// Merged video renamed into place, temp dir cleaned.
	dir := filepath.Join(workDir, "download", "IVE", "Videos", "251101 Snap")
	assert.FileExists(t, filepath.Join(dir, "251101 IVE WONYOUNG Snap.mp4"))
	assert.NoDirExists(t, filepath.Join(dir, "temp_m1"))

	data, err := os.ReadFile(filepath.Join(dir, "251101 IVE WONYOUNG Snap.mp4"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "SEGDATA!")

	// The source manifest is persisted next to the output.
	mpd, err := os.ReadFile(filepath.Join(dir, "manifest_m1.mpd"))
	require.NoError(t, err)
	assert.Contains(t, string(mpd), "<MPD")
}

func TestRunVideoNoPlaylistSidecar(t *testing.T) {
	svc := &fakeService{mediaType: "VOD", segment: []byte("SEGDATA!")}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	workDir := t.TempDir()
	p := newTestPipeline(t, srv, workDir)

	res, err := p.Run(context.Background(), Options{Community: "ive", SkipMux: true, NoPlaylist: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Done)

	dir := filepath.Join(workDir, "download", "IVE", "Videos", "251101 Snap")
	assert.FileExists(t, filepath.Join(dir, "251101 IVE WONYOUNG Snap.mp4"))
	assert.NoFileExists(t, filepath.Join(dir, "manifest_m1.mpd"))
}

func TestRunVideoHLSAllTracksOmitted(t *testing.T) {
	svc := &fakeService{mediaType: "VOD", hls: true}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	workDir := t.TempDir()
	p := newTestPipeline(t, srv, workDir)
	p.cfg.Streaming.VideoChoice = config.TrackChoiceNone
	p.cfg.Streaming.AudioChoice = config.TrackChoiceNone

	res, err := p.Run(context.Background(), Options{Community: "ive"})
	require.NoError(t, err)
	assert.Zero(t, res.Failed, "omitting every track is a skip, not a failure")
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, JobSkipped, res.Jobs[0].State())
	assert.NoDirExists(t, filepath.Join(workDir, "download", "IVE", "Videos"))
}

func TestRunVideoNoDownload(t *testing.T) {
	svc := &fakeService{mediaType: "VOD"}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	workDir := t.TempDir()
	p := newTestPipeline(t, srv, workDir)

	res, err := p.Run(context.Background(), Options{Community: "ive", NoDownload: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Done)
	assert.NoDirExists(t, filepath.Join(workDir, "download", "IVE", "Videos"))
}

func TestRunNotices(t *testing.T) {
	svc := &fakeService{mediaType: "VOD"}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	workDir := t.TempDir()
	p := newTestPipeline(t, srv, workDir)

	res, err := p.Run(context.Background(), Options{Community: "ive", NoticeOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Done)

	dir := filepath.Join(workDir, "download", "IVE", "NOTICE", "251101 Maintenance")
	html, err := os.ReadFile(filepath.Join(dir, "Maintenance.html"))
	require.NoError(t, err)
	assert.Contains(t, string(html), "Down at noon.")
	assert.FileExists(t, filepath.Join(dir, "Maintenance.json"))
}

func TestImageFileName(t *testing.T) {
	assert.Equal(t, "a.jpg", imageFileName("https://cdn.example/img/a.jpg?sig=x", 0))
	assert.Equal(t, "image_003.jpg", imageFileName("https://cdn.example/", 2))
}

func TestResultErr(t *testing.T) {
	assert.NoError(t, Result{Done: 2}.Err())
	err := Result{Failed: 1, Jobs: make([]*Job, 3)}.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3")
}
