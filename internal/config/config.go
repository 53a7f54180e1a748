// Package config provides configuration management for berridl using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultUserAgent          = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36"
	defaultConnectTimeout     = 10 * time.Second
	defaultReadTimeout        = 30 * time.Second
	defaultSegmentTimeout     = 600 * time.Second
	defaultRetryAttempts      = 3
	defaultSegmentConcurrency = 50
	defaultPhotoConcurrency   = 7
	defaultPostConcurrency    = 40
	defaultTimeZoneOffset     = 9 // KST unless overridden
)

// Track choice sentinels understood by manifest track selection.
// Any other value is parsed as a numeric height (video) or kbps bandwidth (audio).
const (
	TrackChoiceNone = "none"
	TrackChoiceAsk  = "ask"
)

// Mux engine values.
const (
	MuxFFmpeg   = "ffmpeg"
	MuxMkvmerge = "mkvtoolnix"
)

// Decryption engine values.
const (
	DecryptMP4Decrypt    = "MP4DECRYPT"
	DecryptShakaPackager = "SHAKA_PACKAGER"
)

// Config holds all configuration for the application.
type Config struct {
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Headers     HeadersConfig     `mapstructure:"headers"`
	Duplicate   DuplicateConfig   `mapstructure:"duplicate"`
	Output      OutputConfig      `mapstructure:"output"`
	Container   ContainerConfig   `mapstructure:"container"`
	Streaming   StreamingConfig   `mapstructure:"streaming"`
	TimeZone    TimeZoneConfig    `mapstructure:"timezone"`
	KeyService  KeyServiceConfig  `mapstructure:"key_service"`
	CDM         CDMConfig         `mapstructure:"cdm"`
	Proxy       ProxyConfig       `mapstructure:"proxy"`
	Download    DownloadConfig    `mapstructure:"download"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// CredentialsConfig holds the platform account credentials.
type CredentialsConfig struct {
	Account  string `mapstructure:"account"`
	Password string `mapstructure:"password"`
}

// HeadersConfig holds request header overrides.
type HeadersConfig struct {
	UserAgent string `mapstructure:"user_agent"`
}

// DuplicateConfig controls per-category dedup behavior.
// A category whose flag resolves to true re-downloads already-processed items.
type DuplicateConfig struct {
	Default   bool               `mapstructure:"default"`
	Overrides DuplicateOverrides `mapstructure:"overrides"`
}

// DuplicateOverrides holds optional per-category overrides of Duplicate.Default.
type DuplicateOverrides struct {
	Image  *bool `mapstructure:"image"`
	Video  *bool `mapstructure:"video"`
	Post   *bool `mapstructure:"post"`
	Notice *bool `mapstructure:"notice"`
}

// AllowDuplicate resolves the effective flag for a category override.
func (d DuplicateConfig) AllowDuplicate(override *bool) bool {
	if override != nil {
		return *override
	}
	return d.Default
}

// OutputConfig holds filename/folder template configuration.
type OutputConfig struct {
	DownloadDir   string `mapstructure:"download_dir"`
	DirTemplate   string `mapstructure:"dir_template"`
	VideoTemplate string `mapstructure:"video_template"`
	TagTemplate   string `mapstructure:"tag_template"`
	DateFormat    string `mapstructure:"date_format"`
	NoSubfolder   bool   `mapstructure:"no_subfolder"`
}

// ContainerConfig holds mux/decrypt tool selection.
type ContainerConfig struct {
	Mux              string `mapstructure:"mux"`               // ffmpeg, mkvtoolnix
	Video            string `mapstructure:"video"`             // ts, mp4, mov, m4v, mkv, avi
	DecryptionEngine string `mapstructure:"decryption_engine"` // MP4DECRYPT, SHAKA_PACKAGER
}

// StreamingConfig selects between HLS and MPEG-DASH and the track choices.
type StreamingConfig struct {
	PreferHLS   bool   `mapstructure:"prefer_hls"`
	VideoChoice string `mapstructure:"video_choice"` // none, ask, or height (e.g. "1080")
	AudioChoice string `mapstructure:"audio_choice"` // none, ask, or kbps (e.g. "128")
}

// TimeZoneConfig holds the presentation hour offset (-12..+14).
type TimeZoneConfig struct {
	OffsetHours int `mapstructure:"offset_hours"`
}

// Location returns a fixed time.Location for the configured offset.
func (t TimeZoneConfig) Location() *time.Location {
	return time.FixedZone(fmt.Sprintf("UTC%+d", t.OffsetHours), t.OffsetHours*3600)
}

// KeyServiceConfig selects the DRM license backend.
type KeyServiceConfig struct {
	Source string `mapstructure:"source"` // wv, mspr, watora_wv, cdrm_wv, cdrm_mspr

	// Remote backend endpoints and credentials.
	CDRMEndpoint   string `mapstructure:"cdrm_endpoint"`
	WatoraEndpoint string `mapstructure:"watora_endpoint"`
	WatoraToken    string `mapstructure:"watora_token"`
}

// CDMConfig holds paths to local CDM device blobs.
type CDMConfig struct {
	Widevine  string `mapstructure:"widevine"`  // *.wvd
	PlayReady string `mapstructure:"playready"` // *.prd
}

// ProxyConfig holds outbound proxy selection.
type ProxyConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	UseProxyList  bool   `mapstructure:"use_proxy_list"`
	ProxyListFile string `mapstructure:"proxy_list_file"`
	HTTP          string `mapstructure:"http"`
	HTTPS         string `mapstructure:"https"`
}

// DownloadConfig holds network and concurrency tunables.
type DownloadConfig struct {
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	SegmentTimeout     time.Duration `mapstructure:"segment_timeout"`
	RetryAttempts      int           `mapstructure:"retry_attempts"`
	SegmentConcurrency int           `mapstructure:"segment_concurrency"`
	PhotoConcurrency   int           `mapstructure:"photo_concurrency"`
	PostConcurrency    int           `mapstructure:"post_concurrency"`
	CleanIntermediate  bool          `mapstructure:"clean_intermediate"`
}

// StorageConfig holds persisted state locations, all relative to the
// working directory unless absolute.
type StorageConfig struct {
	CookieDir  string `mapstructure:"cookie_dir"`
	KeyVault   string `mapstructure:"key_vault"`
	LedgerFile string `mapstructure:"ledger_file"`
	StaticDir  string `mapstructure:"static_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with BERRIDL_, using underscores for nesting.
// Example: BERRIDL_LOGGING_LEVEL=debug.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.berridl")
	}

	v.SetEnvPrefix("BERRIDL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	ApplyLegacyKeys(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("headers.user_agent", defaultUserAgent)

	v.SetDefault("duplicate.default", false)

	v.SetDefault("output.download_dir", "./download")
	v.SetDefault("output.dir_template", "{date} {title}")
	v.SetDefault("output.video_template", "{date} {community_name} {artis} {title}")
	v.SetDefault("output.tag_template", "")
	v.SetDefault("output.date_format", "060102")
	v.SetDefault("output.no_subfolder", false)

	v.SetDefault("container.mux", MuxFFmpeg)
	v.SetDefault("container.video", "mp4")
	v.SetDefault("container.decryption_engine", DecryptMP4Decrypt)

	v.SetDefault("streaming.prefer_hls", false)
	v.SetDefault("streaming.video_choice", TrackChoiceAsk)
	v.SetDefault("streaming.audio_choice", TrackChoiceAsk)

	v.SetDefault("timezone.offset_hours", defaultTimeZoneOffset)

	v.SetDefault("key_service.source", "wv")

	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.use_proxy_list", false)

	v.SetDefault("download.connect_timeout", defaultConnectTimeout)
	v.SetDefault("download.read_timeout", defaultReadTimeout)
	v.SetDefault("download.segment_timeout", defaultSegmentTimeout)
	v.SetDefault("download.retry_attempts", defaultRetryAttempts)
	v.SetDefault("download.segment_concurrency", defaultSegmentConcurrency)
	v.SetDefault("download.photo_concurrency", defaultPhotoConcurrency)
	v.SetDefault("download.post_concurrency", defaultPostConcurrency)
	v.SetDefault("download.clean_intermediate", true)

	v.SetDefault("storage.cookie_dir", "cookies")
	v.SetDefault("storage.key_vault", "key/local_key_vault.db")
	v.SetDefault("storage.ledger_file", "lock/download_info.bin")
	v.SetDefault("storage.static_dir", "static")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// legacyKeys maps config keys from the original flat YAML layout onto the
// normalized keys. Only applied when the legacy key is present in the file.
var legacyKeys = map[string]string{
	"berriz.account":                         "credentials.account",
	"berriz.password":                        "credentials.password",
	"headers.User-Agent":                     "headers.user_agent",
	"output_template.video":                  "output.video_template",
	"output_template.tag":                    "output.tag_template",
	"output_template.date_formact":           "output.date_format",
	"Donwload_Dir_Name.download_dir":         "output.download_dir",
	"Donwload_Dir_Name.dir_name":             "output.dir_template",
	"Donwload_Dir_Name.date_formact":         "output.date_format",
	"Container.mux":                          "container.mux",
	"Container.video":                        "container.video",
	"Container.decryption-engine":            "container.decryption_engine",
	"HLS or MPEG-DASH.HLS":                   "streaming.prefer_hls",
	"HLS or MPEG-DASH.Video_Resolution_Choice": "streaming.video_choice",
	"HLS or MPEG-DASH.Audio_Resolution_Choice": "streaming.audio_choice",
	"TimeZone.time":                          "timezone.offset_hours",
	"KeyService.source":                      "key_service.source",
	"CDM.widevine":                           "cdm.widevine",
	"CDM.playready":                          "cdm.playready",
	"Proxy.Proxy_Enable":                     "proxy.enabled",
	"Proxy.use_proxy_list":                   "proxy.use_proxy_list",
	"Proxy.use_proxy":                        "proxy.proxy_list_file",
	"Proxy.http":                             "proxy.http",
	"Proxy.https":                            "proxy.https",
}

// ApplyLegacyKeys copies values from original-layout config keys onto the
// normalized keys so old config files keep working.
func ApplyLegacyKeys(v *viper.Viper) {
	for legacy, normalized := range legacyKeys {
		if v.IsSet(legacy) && !v.IsSet(normalized) {
			v.Set(normalized, v.Get(legacy))
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validMux := map[string]bool{MuxFFmpeg: true, MuxMkvmerge: true}
	if !validMux[c.Container.Mux] {
		return fmt.Errorf("container.mux must be one of: %s, %s", MuxFFmpeg, MuxMkvmerge)
	}

	validContainers := map[string]bool{"ts": true, "mp4": true, "mov": true, "m4v": true, "mkv": true, "avi": true}
	if !validContainers[c.Container.Video] {
		return fmt.Errorf("container.video must be one of: ts, mp4, mov, m4v, mkv, avi")
	}

	validEngines := map[string]bool{DecryptMP4Decrypt: true, DecryptShakaPackager: true}
	if !validEngines[strings.ToUpper(c.Container.DecryptionEngine)] {
		return fmt.Errorf("container.decryption_engine must be one of: %s, %s", DecryptMP4Decrypt, DecryptShakaPackager)
	}

	if c.TimeZone.OffsetHours < -12 || c.TimeZone.OffsetHours > 14 {
		return fmt.Errorf("timezone.offset_hours must be between -12 and 14")
	}

	validSources := map[string]bool{"wv": true, "mspr": true, "watora_wv": true, "cdrm_wv": true, "cdrm_mspr": true}
	if !validSources[c.KeyService.Source] {
		// Unrecognized key service falls back to the local Widevine CDM.
		c.KeyService.Source = "wv"
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Download.SegmentConcurrency < 1 {
		return fmt.Errorf("download.segment_concurrency must be at least 1")
	}
	if c.Download.RetryAttempts < 0 {
		return fmt.Errorf("download.retry_attempts must be non-negative")
	}

	return nil
}

// FinalContainer returns the output container extension, forcing mkv when
// mkvmerge is the mux engine.
func (c *ContainerConfig) FinalContainer() string {
	if c.Mux == MuxMkvmerge {
		return "mkv"
	}
	return c.Video
}
