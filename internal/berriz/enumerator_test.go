package berriz

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berridl/berridl/internal/models"
)

func mediaJSON(id, mediaType, publishedAt string, fanclub bool) string {
	return fmt.Sprintf(`{"mediaId":%q,"mediaType":%q,"title":"t","publishedAt":%q,"isFanclubOnly":%t}`,
		id, mediaType, publishedAt, fanclub)
}

func TestEnumeratePartitionsAndMerges(t *testing.T) {
	var mediaCalls, replayCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/live/replay") {
			replayCalls.Add(1)
			fmt.Fprint(w, envelope(`{"contents":[`+
				mediaJSON("l1", "LIVE", "2025-11-03T00:00:00Z", false)+
				`],"hasNext":false}`))
			return
		}
		switch mediaCalls.Add(1) {
		case 1:
			fmt.Fprint(w, envelope(`{"contents":[`+
				mediaJSON("v1", "VOD", "2025-11-01T00:00:00Z", false)+","+
				mediaJSON("p1", "PHOTO", "2025-11-02T00:00:00Z", true)+
				`],"hasNext":true,"next":"c2"}`))
		default:
			assert.Equal(t, "c2", r.URL.Query().Get("next"))
			fmt.Fprint(w, envelope(`{"contents":[`+
				mediaJSON("v2", "VOD", "2025-11-04T00:00:00Z", false)+","+
				mediaJSON("l1", "LIVE", "2025-11-03T00:00:00Z", false)+ // duplicate of replay listing
				`],"hasNext":false}`))
		}
	}))
	defer srv.Close()

	e := NewEnumerator(testClient(srv.URL), discardLogger())
	cat, err := e.Enumerate(context.Background(), 7, TimeWindow{})
	require.NoError(t, err)

	assert.Len(t, cat.VOD, 2)
	assert.Len(t, cat.Photo, 1)
	assert.Len(t, cat.Live, 1, "duplicate across listings collapses")
	assert.Equal(t, 4, cat.Total())
	assert.EqualValues(t, 2, mediaCalls.Load())
	assert.EqualValues(t, 1, replayCalls.Load())
}

func TestEnumerateTimeWindowInclusive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/live/replay") {
			fmt.Fprint(w, envelope(`{"contents":[],"hasNext":false}`))
			return
		}
		fmt.Fprint(w, envelope(`{"contents":[`+
			mediaJSON("before", "VOD", "2025-10-31T23:59:59Z", false)+","+
			mediaJSON("lower", "VOD", "2025-11-01T00:00:00Z", false)+","+
			mediaJSON("upper", "VOD", "2025-11-30T00:00:00Z", false)+","+
			mediaJSON("after", "VOD", "2025-11-30T00:00:01Z", false)+
			`],"hasNext":false}`))
	}))
	defer srv.Close()

	window := TimeWindow{
		From: time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 11, 30, 0, 0, 0, 0, time.UTC),
	}
	e := NewEnumerator(testClient(srv.URL), discardLogger())
	cat, err := e.Enumerate(context.Background(), 7, window)
	require.NoError(t, err)

	ids := make([]string, 0, len(cat.VOD))
	for _, d := range cat.VOD {
		ids = append(ids, d.ID)
	}
	assert.ElementsMatch(t, []string{"lower", "upper"}, ids)
}

func TestFilterFanclub(t *testing.T) {
	items := []models.MediaDescriptor{
		{ID: "open", IsFanclubOnly: false},
		{ID: "fan", IsFanclubOnly: true},
	}

	ids := func(ds []models.MediaDescriptor) []string {
		out := make([]string, 0, len(ds))
		for _, d := range ds {
			out = append(out, d.ID)
		}
		return out
	}

	assert.ElementsMatch(t, []string{"open", "fan"},
		ids(FilterFanclub(items, true, true, true)))
	assert.ElementsMatch(t, []string{"open"},
		ids(FilterFanclub(items, false, true, true)), "unsubscribed drops fanclub items")
	assert.ElementsMatch(t, []string{"fan"},
		ids(FilterFanclub(items, true, true, false)))
	assert.ElementsMatch(t, []string{"open"},
		ids(FilterFanclub(items, true, false, true)))
}

func TestEnumerateBoardCursor(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			fmt.Fprint(w, envelope(`{"posts":[{"postId":"p1","createdAt":"2025-11-01T00:00:00Z"}],"cursor":{"next":"c2"},"hasNext":true}`))
			return
		}
		assert.Equal(t, "c2", r.URL.Query().Get("next"))
		fmt.Fprint(w, envelope(`{"posts":[{"postId":"p2","createdAt":"2025-11-02T00:00:00Z"}],"hasNext":false}`))
	}))
	defer srv.Close()

	e := NewEnumerator(testClient(srv.URL), discardLogger())
	posts, err := e.EnumerateBoard(context.Background(), 7, TimeWindow{})
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, "p1", posts[0].PostID)
	assert.Equal(t, "p2", posts[1].PostID)
}
