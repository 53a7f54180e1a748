package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berridl/berridl/internal/models"
)

var videoTracks = []Track{
	{Type: TrackVideo, ID: "v1080", Height: 1080, Bandwidth: 5000000},
	{Type: TrackVideo, ID: "v720", Height: 720, Bandwidth: 3000000},
}

var audioTracks = []Track{
	{Type: TrackAudio, ID: "a128", Bandwidth: 128000},
	{Type: TrackAudio, ID: "a64", Bandwidth: 64000},
}

type fixedChooser struct{ idx int }

func (c fixedChooser) Choose(prompt string, options []string) (int, error) { return c.idx, nil }

func TestSelectVideoNumeric(t *testing.T) {
	got, err := SelectVideo(videoTracks, "1080", nil)
	require.NoError(t, err)
	assert.Equal(t, "v1080", got.ID)

	_, err = SelectVideo(videoTracks, "480", nil)
	assert.Error(t, err, "video selection does not fall back on miss")
}

func TestSelectVideoNone(t *testing.T) {
	got, err := SelectVideo(videoTracks, "none", nil)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, models.ErrTrackOmitted)
}

func TestSelectVideoAsk(t *testing.T) {
	got, err := SelectVideo(videoTracks, "ask", fixedChooser{idx: 1})
	require.NoError(t, err)
	assert.Equal(t, "v720", got.ID)
}

func TestSelectAudioNumericFallsBackToFirst(t *testing.T) {
	got, err := SelectAudio(audioTracks, "128", nil)
	require.NoError(t, err)
	assert.Equal(t, "a128", got.ID)

	got, err = SelectAudio(audioTracks, "320", nil)
	require.NoError(t, err)
	assert.Equal(t, "a128", got.ID, "miss falls back to first track")
}

func TestSelectAudioNone(t *testing.T) {
	_, err := SelectAudio(audioTracks, "none", nil)
	assert.ErrorIs(t, err, models.ErrTrackOmitted)
}

func TestSelectEmptyTracks(t *testing.T) {
	_, err := SelectVideo(nil, "1080", nil)
	assert.Error(t, err)
	_, err = SelectAudio(nil, "128", nil)
	assert.Error(t, err)
}
