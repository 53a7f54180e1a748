package dedup

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func allOn() Policy {
	return Policy{Default: true}
}

func TestLedgerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock", "download_info.bin")

	l, err := Open(path, allOn(), discardLogger())
	require.NoError(t, err)
	assert.False(t, l.Exists("m1", CategoryVideo))

	l.Add("m1")
	l.Add("m2")
	require.NoError(t, l.Close(context.Background()))

	reopened, err := Open(path, allOn(), discardLogger())
	require.NoError(t, err)
	defer reopened.Close(context.Background())

	assert.True(t, reopened.Exists("m1", CategoryVideo))
	assert.True(t, reopened.Exists("m2", CategoryImage))
	assert.False(t, reopened.Exists("m3", CategoryVideo))
}

func TestExistsHonorsPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "download_info.bin")
	policy := Policy{
		Default:   true,
		Overrides: map[Category]bool{CategoryImage: false},
	}

	l, err := Open(path, policy, discardLogger())
	require.NoError(t, err)
	defer l.Close(context.Background())

	l.Add("m1")
	require.NoError(t, l.Flush())

	// The writer makes adds visible asynchronously.
	require.Eventually(t, func() bool {
		return l.Exists("m1", CategoryVideo)
	}, time.Second, 10*time.Millisecond)

	assert.False(t, l.Exists("m1", CategoryImage), "override disables dedup for images")
}

func TestOpenRecoversFromCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "download_info.bin")
	require.NoError(t, os.WriteFile(path, []byte("not gob"), 0o644))

	l, err := Open(path, allOn(), discardLogger())
	require.NoError(t, err)
	defer l.Close(context.Background())

	assert.False(t, l.Exists("m1", CategoryVideo))
}

func TestCategoryOf(t *testing.T) {
	assert.Equal(t, CategoryVideo, CategoryOf("VOD"))
	assert.Equal(t, CategoryVideo, CategoryOf("LIVE"))
	assert.Equal(t, CategoryImage, CategoryOf("PHOTO"))
	assert.Equal(t, CategoryPost, CategoryOf("POST"))
	assert.Equal(t, CategoryNotice, CategoryOf("NOTICE"))
}
