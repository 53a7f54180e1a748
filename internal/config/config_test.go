package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	return &Config{
		Container: ContainerConfig{
			Mux:              MuxFFmpeg,
			Video:            "mp4",
			DecryptionEngine: DecryptMP4Decrypt,
		},
		TimeZone:   TimeZoneConfig{OffsetHours: 9},
		KeyService: KeyServiceConfig{Source: "wv"},
		Logging:    LoggingConfig{Level: "info", Format: "text"},
		Download:   DownloadConfig{SegmentConcurrency: 50, RetryAttempts: 3},
	}
}

func TestLoad_Defaults(t *testing.T) {
	// Run from an empty directory so no stray config file is picked up.
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "./download", cfg.Output.DownloadDir)
	assert.Equal(t, "{date} {title}", cfg.Output.DirTemplate)
	assert.Equal(t, "{date} {community_name} {artis} {title}", cfg.Output.VideoTemplate)
	assert.Equal(t, "060102", cfg.Output.DateFormat)

	assert.Equal(t, MuxFFmpeg, cfg.Container.Mux)
	assert.Equal(t, "mp4", cfg.Container.Video)
	assert.Equal(t, DecryptMP4Decrypt, cfg.Container.DecryptionEngine)

	assert.False(t, cfg.Streaming.PreferHLS)
	assert.Equal(t, TrackChoiceAsk, cfg.Streaming.VideoChoice)
	assert.Equal(t, TrackChoiceAsk, cfg.Streaming.AudioChoice)

	assert.Equal(t, 9, cfg.TimeZone.OffsetHours)
	assert.Equal(t, "wv", cfg.KeyService.Source)

	assert.Equal(t, 10*time.Second, cfg.Download.ConnectTimeout)
	assert.Equal(t, 600*time.Second, cfg.Download.SegmentTimeout)
	assert.Equal(t, 50, cfg.Download.SegmentConcurrency)
	assert.Equal(t, 7, cfg.Download.PhotoConcurrency)
	assert.Equal(t, 40, cfg.Download.PostConcurrency)
	assert.True(t, cfg.Download.CleanIntermediate)

	assert.Equal(t, "cookies", cfg.Storage.CookieDir)
	assert.Equal(t, "key/local_key_vault.db", cfg.Storage.KeyVault)
	assert.Equal(t, "lock/download_info.bin", cfg.Storage.LedgerFile)
	assert.Equal(t, "static", cfg.Storage.StaticDir)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
credentials:
  account: "user@example.com"
  password: "hunter2"

output:
  download_dir: "/srv/media"
  date_format: "2006-01-02"

container:
  mux: "mkvtoolnix"
  video: "mkv"

streaming:
  prefer_hls: true
  video_choice: "1080"

timezone:
  offset_hours: 0

download:
  segment_concurrency: 8
`
	err := os.WriteFile(configPath, []byte(configContent), 0o600)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "user@example.com", cfg.Credentials.Account)
	assert.Equal(t, "/srv/media", cfg.Output.DownloadDir)
	assert.Equal(t, "2006-01-02", cfg.Output.DateFormat)
	assert.Equal(t, MuxMkvmerge, cfg.Container.Mux)
	assert.True(t, cfg.Streaming.PreferHLS)
	assert.Equal(t, "1080", cfg.Streaming.VideoChoice)
	assert.Equal(t, 0, cfg.TimeZone.OffsetHours)
	assert.Equal(t, 8, cfg.Download.SegmentConcurrency)

	// Unset values still fall back to defaults.
	assert.Equal(t, TrackChoiceAsk, cfg.Streaming.AudioChoice)
	assert.Equal(t, 3, cfg.Download.RetryAttempts)
}

func TestLoad_LegacyLayout(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	// The original flat layout, misspellings included.
	configContent := `
berriz:
  account: "legacy@example.com"
  password: "pw"

Donwload_Dir_Name:
  download_dir: "/old/dir"
  dir_name: "{date} {title}"
  date_formact: "060102"

Container:
  mux: "ffmpeg"
  video: "mp4"
  decryption-engine: "SHAKA_PACKAGER"

HLS or MPEG-DASH:
  HLS: true
  Video_Resolution_Choice: "720"

TimeZone:
  time: 9

KeyService:
  source: "cdrm_wv"

Proxy:
  Proxy_Enable: true
  http: "http://127.0.0.1:8080"
`
	err := os.WriteFile(configPath, []byte(configContent), 0o600)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "legacy@example.com", cfg.Credentials.Account)
	assert.Equal(t, "/old/dir", cfg.Output.DownloadDir)
	assert.Equal(t, DecryptShakaPackager, cfg.Container.DecryptionEngine)
	assert.True(t, cfg.Streaming.PreferHLS)
	assert.Equal(t, "720", cfg.Streaming.VideoChoice)
	assert.Equal(t, "cdrm_wv", cfg.KeyService.Source)
	assert.True(t, cfg.Proxy.Enabled)
	assert.Equal(t, "http://127.0.0.1:8080", cfg.Proxy.HTTP)
}

func TestValidate(t *testing.T) {
	t.Run("valid config passes", func(t *testing.T) {
		assert.NoError(t, validTestConfig().Validate())
	})

	t.Run("rejects unknown mux engine", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.Container.Mux = "handbrake"
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects unknown container", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.Container.Video = "webm"
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects unknown decryption engine", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.Container.DecryptionEngine = "openssl"
		assert.Error(t, cfg.Validate())
	})

	t.Run("accepts lowercase decryption engine", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.Container.DecryptionEngine = "mp4decrypt"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("rejects out-of-range timezone offset", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.TimeZone.OffsetHours = 15
		assert.Error(t, cfg.Validate())

		cfg.TimeZone.OffsetHours = -13
		assert.Error(t, cfg.Validate())
	})

	t.Run("unknown key service falls back to wv", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.KeyService.Source = "fairplay"
		require.NoError(t, cfg.Validate())
		assert.Equal(t, "wv", cfg.KeyService.Source)
	})

	t.Run("rejects bad logging settings", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.Logging.Level = "verbose"
		assert.Error(t, cfg.Validate())

		cfg = validTestConfig()
		cfg.Logging.Format = "xml"
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects zero segment concurrency", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.Download.SegmentConcurrency = 0
		assert.Error(t, cfg.Validate())
	})
}

func TestFinalContainer(t *testing.T) {
	c := ContainerConfig{Mux: MuxFFmpeg, Video: "mp4"}
	assert.Equal(t, "mp4", c.FinalContainer())

	c.Mux = MuxMkvmerge
	assert.Equal(t, "mkv", c.FinalContainer(), "mkvmerge always emits mkv")
}

func TestAllowDuplicate(t *testing.T) {
	on := true
	d := DuplicateConfig{Default: false}

	assert.False(t, d.AllowDuplicate(nil))
	assert.True(t, d.AllowDuplicate(&on))
}

func TestTimeZoneLocation(t *testing.T) {
	loc := TimeZoneConfig{OffsetHours: 9}.Location()
	utc := time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "2025-11-01 09:00", utc.In(loc).Format("2006-01-02 15:04"))
}
