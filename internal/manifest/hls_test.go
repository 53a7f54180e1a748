package manifest

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMaster = `#EXTM3U
#EXT-X-VERSION:6
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",NAME="AAC 128kbps",DEFAULT=YES,AUTOSELECT=YES,URI="audio/128k/playlist.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080,CODECS="avc1.640028,mp4a.40.2",AUDIO="aac"
video/1080p/playlist.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=3000000,RESOLUTION=1280x720,CODECS="avc1.64001f,mp4a.40.2",AUDIO="aac"
video/720p/playlist.m3u8
`

const sampleMedia = `#EXTM3U
#EXT-X-VERSION:6
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:6.0,
seg_000.ts
#EXTINF:6.0,
seg_001.ts
#EXTINF:4.2,
seg_002.ts
#EXT-X-ENDLIST
`

const encryptedMedia = `#EXTM3U
#EXT-X-VERSION:6
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-KEY:METHOD=AES-128,URI="keys/media.key",IV=0x00000000000000000000000000000001
#EXTINF:6.0,
seg_000.ts
#EXT-X-ENDLIST
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseMasterVariantsAndAudio(t *testing.T) {
	m, err := ParseMaster([]byte(sampleMaster), "https://cdn.example.com/hls/master.m3u8")
	require.NoError(t, err)

	require.Len(t, m.Variants, 2)
	assert.Equal(t, 1080, m.Variants[0].Height)
	assert.Equal(t, 5000000, m.Variants[0].Bandwidth)
	assert.Equal(t, "https://cdn.example.com/hls/video/1080p/playlist.m3u8", MediaURL(m.Variants[0]))
	assert.Equal(t, 720, m.Variants[1].Height)

	require.Len(t, m.Audio, 1)
	assert.Equal(t, 128000, m.Audio[0].Bandwidth)
	assert.Equal(t, "https://cdn.example.com/hls/audio/128k/playlist.m3u8", MediaURL(m.Audio[0]))
}

func TestParseMasterRejectsMediaPlaylist(t *testing.T) {
	_, err := ParseMaster([]byte(sampleMedia), "https://cdn.example.com/hls/master.m3u8")
	assert.Error(t, err)
}

func TestParseMediaCollectsSegments(t *testing.T) {
	track := Track{Type: TrackVideo, Height: 1080}
	got, err := ParseMedia([]byte(sampleMedia), "https://cdn.example.com/hls/video/1080p/playlist.m3u8", track, discardLogger())
	require.NoError(t, err)

	want := []string{
		"https://cdn.example.com/hls/video/1080p/seg_000.ts",
		"https://cdn.example.com/hls/video/1080p/seg_001.ts",
		"https://cdn.example.com/hls/video/1080p/seg_002.ts",
	}
	assert.Equal(t, want, got.SegmentURLs)
	assert.Equal(t, ".ts", got.Ext)
	assert.Empty(t, got.KeyURI)
	assert.Empty(t, got.InitURL, "HLS tracks carry no init URL")
}

func TestParseMediaRecordsAESKey(t *testing.T) {
	got, err := ParseMedia([]byte(encryptedMedia), "https://cdn.example.com/hls/video/1080p/playlist.m3u8", Track{Type: TrackVideo}, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/hls/video/1080p/keys/media.key", got.KeyURI)
}

func TestScanKeys(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantURI   string
		sampleAES bool
		fairPlay  bool
	}{
		{"aes-128", `#EXT-X-KEY:METHOD=AES-128,URI="k.key"`, "k.key", false, false},
		{"sample-aes", `#EXT-X-KEY:METHOD=SAMPLE-AES,URI="k.key"`, "", true, false},
		{"fairplay", `#EXT-X-KEY:METHOD=SAMPLE-AES,URI="skd://k",KEYFORMAT="com.apple.streamingkeydelivery"`, "", false, true},
		{"none", `#EXTINF:6.0,`, "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uri, sampleAES, fairPlay := scanKeys([]byte(tt.line + "\n"))
			assert.Equal(t, tt.wantURI, uri)
			assert.Equal(t, tt.sampleAES, sampleAES)
			assert.Equal(t, tt.fairPlay, fairPlay)
		})
	}
}

func TestParseAttrs(t *testing.T) {
	attrs := parseAttrs(`METHOD=AES-128,URI="https://k/key?a=1,b=2",KEYFORMAT="identity"`)
	assert.Equal(t, "AES-128", attrs["METHOD"])
	assert.Equal(t, "https://k/key?a=1,b=2", attrs["URI"], "commas inside quotes survive")
	assert.Equal(t, "identity", attrs["KEYFORMAT"])
}

func TestBandwidthFromName(t *testing.T) {
	assert.Equal(t, 128000, bandwidthFromName("AAC 128kbps"))
	assert.Equal(t, 64000, bandwidthFromName("64k"))
	assert.Equal(t, 0, bandwidthFromName("stereo"))
}
