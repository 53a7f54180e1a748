package berriz

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berridl/berridl/internal/httpclient"
	"github.com/berridl/berridl/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClient(base string) *Client {
	hc := httpclient.New(httpclient.Config{Logger: discardLogger()})
	return NewClient(hc, base, discardLogger())
}

func envelope(data string) string {
	return fmt.Sprintf(`{"code":"0000","message":"ok","data":%s}`, data)
}

func TestMediaListPagination(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		q := r.URL.Query()

		size, err := strconv.Atoi(q.Get("pageSize"))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, size, mediaPageSizeMin)
		assert.LessOrEqual(t, size, mediaPageSizeMax)

		switch n {
		case 1:
			assert.Empty(t, q.Get("next"))
			fmt.Fprint(w, envelope(`{"contents":[{"mediaId":"m1","mediaType":"VOD","title":"One","publishedAt":"2025-11-01T00:00:00Z"}],"hasNext":true,"next":"cursor-2"}`))
		default:
			assert.Equal(t, "cursor-2", q.Get("next"))
			fmt.Fprint(w, envelope(`{"contents":[{"mediaId":"m2","mediaType":"PHOTO","title":"Two","publishedAt":"2025-11-02T00:00:00Z"}],"hasNext":false}`))
		}
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	page, err := c.MediaList(context.Background(), 7, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.True(t, page.HasNext)

	page, err = c.MediaList(context.Background(), 7, page.Next)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "m2", page.Items[0].MediaID)
	assert.False(t, page.HasNext)
}

func TestPlaybackInfoDRM(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/medias/m1/playback_info", r.URL.Path)
		fmt.Fprint(w, envelope(`{
			"media":{"isDrm":true,"duration":95,"orientation":"landscape"},
			"playbackUrls":{"dash":"https://cdn.example/v.mpd","hls":"https://cdn.example/v.m3u8"},
			"drmInfo":{
				"acquirelicenseassertion":"assert-token",
				"licenseUrls":{"widevine":"https://lic.example/wv","playready":"https://lic.example/pr"}
			}
		}`))
	}))
	defer srv.Close()

	pc, err := testClient(srv.URL).PlaybackInfo(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/v.mpd", pc.MPDURL)
	assert.Equal(t, "https://cdn.example/v.m3u8", pc.HLSURL)
	assert.True(t, pc.IsDRM)
	assert.Equal(t, "assert-token", pc.Assertion)
	assert.Equal(t, "https://lic.example/wv", pc.LicenseURLs.Widevine)
	assert.Equal(t, int64(95), int64(pc.Duration.Seconds()))
}

func TestPlaybackInfoRejectsDRMWithoutLicense(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, envelope(`{
			"media":{"isDrm":true},
			"playbackUrls":{"dash":"https://cdn.example/v.mpd"},
			"drmInfo":{"licenseUrls":{}}
		}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).PlaybackInfo(context.Background(), "m1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without license data")
}

func TestPlaybackInfoRejectsMissingStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, envelope(`{"media":{"isDrm":false},"playbackUrls":{}}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).PlaybackInfo(context.Background(), "m1")
	assert.ErrorIs(t, err, models.ErrNoManifest)
}

func TestDomainErrorSurfacesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"FS_MD9000","message":"Fanclub-only content"}`)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).PlaybackInfo(context.Background(), "m1")
	require.Error(t, err)
	assert.True(t, models.IsCode(err, models.CodeFanclubOnly))
}

func TestBoardPostsCursor(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, strconv.Itoa(boardPageSize), r.URL.Query().Get("pageSize"))
		if n == 1 {
			fmt.Fprint(w, envelope(`{"posts":[{"postId":"p1","title":"Post"}],"cursor":{"next":"c2"},"hasNext":true}`))
			return
		}
		assert.Equal(t, "c2", r.URL.Query().Get("next"))
		fmt.Fprint(w, envelope(`{"posts":[{"postId":"p2","title":"Post 2"}],"hasNext":false}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	page, err := c.BoardPosts(context.Background(), 7, "")
	require.NoError(t, err)
	require.Len(t, page.Posts, 1)
	assert.Equal(t, "c2", page.Cursor.Next)

	page, err = c.BoardPosts(context.Background(), 7, page.Cursor.Next)
	require.NoError(t, err)
	assert.Equal(t, "p2", page.Posts[0].PostID)
}

func TestTranslateEmptyOnForbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	body, err := testClient(srv.URL).Translate(context.Background(), "p1", "ja")
	require.NoError(t, err)
	assert.Empty(t, body)
}
