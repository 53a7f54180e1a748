package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berridl/berridl/internal/manifest"
	"github.com/berridl/berridl/internal/progress"
)

// writeTrackFiles lays out init + n segments with known contents and
// returns them in deliberately shuffled order.
func writeTrackFiles(t *testing.T, dir string, withInit bool, n int) *TrackFiles {
	t.Helper()
	trackDir := filepath.Join(dir, "video")
	require.NoError(t, os.MkdirAll(trackDir, 0o755))

	files := &TrackFiles{
		Track: manifest.Track{Type: manifest.TrackVideo},
		Dir:   trackDir,
	}
	if withInit {
		files.InitPath = filepath.Join(trackDir, "init_video.mp4")
		require.NoError(t, os.WriteFile(files.InitPath, []byte("INIT|"), 0o644))
	}
	for i := n - 1; i >= 0; i-- { // shuffled: descending
		p := filepath.Join(trackDir, fmt.Sprintf("seg_video_%d.m4s", i))
		require.NoError(t, os.WriteFile(p, []byte(fmt.Sprintf("S%02d|", i)), 0o644))
		files.Segments = append(files.Segments, p)
	}
	return files
}

func expectedMerge(withInit bool, n int) string {
	out := ""
	if withInit {
		out = "INIT|"
	}
	for i := 0; i < n; i++ {
		out += fmt.Sprintf("S%02d|", i)
	}
	return out
}

func TestMergeWithInitRestoresOrder(t *testing.T) {
	dir := t.TempDir()
	files := writeTrackFiles(t, dir, true, 5)
	out := filepath.Join(dir, "video.mp4")

	require.NoError(t, NewMerger(discardLogger()).Merge(context.Background(), files, out, nil))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, expectedMerge(true, 5), string(data))
}

func TestMergeWithoutInit(t *testing.T) {
	dir := t.TempDir()
	files := writeTrackFiles(t, dir, false, 3)
	out := filepath.Join(dir, "audio.mp4")

	require.NoError(t, NewMerger(discardLogger()).Merge(context.Background(), files, out, nil))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, expectedMerge(false, 3), string(data))
}

func TestMergeSpansMultipleChunks(t *testing.T) {
	// More segments than one chunk task handles (30), so the concurrent
	// chunk path is exercised.
	dir := t.TempDir()
	files := writeTrackFiles(t, dir, true, 65)
	out := filepath.Join(dir, "video.mp4")

	var final progress.Update
	cb := func(u progress.Update) { final = u }
	require.NoError(t, NewMerger(discardLogger()).Merge(context.Background(), files, out, cb))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, expectedMerge(true, 65), string(data))

	assert.Equal(t, progress.StateCompleted, final.State)
	assert.Equal(t, int64(65*4), final.Current, "init bytes do not count toward segment total")
}

func TestMergeFailsOnMissingSegment(t *testing.T) {
	dir := t.TempDir()
	files := writeTrackFiles(t, dir, false, 3)
	require.NoError(t, os.Remove(files.Segments[1]))

	err := NewMerger(discardLogger()).Merge(context.Background(), files, filepath.Join(dir, "out.mp4"), nil)
	assert.Error(t, err)

	// Temp merge dirs are cleaned up on failure.
	entries, err := os.ReadDir(files.Dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), "merge_")
	}
}

func TestPartition(t *testing.T) {
	paths := make([]string, 65)
	chunks := partition(paths, 30)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 30)
	assert.Len(t, chunks[1], 30)
	assert.Len(t, chunks[2], 5)

	assert.Empty(t, partition(nil, 30))
}

func TestSegmentIndex(t *testing.T) {
	assert.Equal(t, 12, segmentIndex("/tmp/x/seg_video_12.m4s"))
	assert.Equal(t, 0, segmentIndex("seg_audio_0.ts"))
	assert.Equal(t, 0, segmentIndex("init_video.mp4"))
}
