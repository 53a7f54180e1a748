package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/semaphore"

	"github.com/berridl/berridl/internal/auth"
	"github.com/berridl/berridl/internal/berriz"
	"github.com/berridl/berridl/internal/config"
	"github.com/berridl/berridl/internal/database"
	"github.com/berridl/berridl/internal/dedup"
	"github.com/berridl/berridl/internal/download"
	"github.com/berridl/berridl/internal/drm"
	"github.com/berridl/berridl/internal/httpclient"
	"github.com/berridl/berridl/internal/models"
	"github.com/berridl/berridl/internal/pipeline"
	"github.com/berridl/berridl/internal/repository"
	"github.com/berridl/berridl/internal/tools"
)

var downloadFlags struct {
	group    string
	timeSpec []string

	key       bool
	noCookie  bool
	hlsOnly   bool
	fanclub   bool
	noFanclub bool

	liveOnly   bool
	mediaOnly  bool
	photoOnly  bool
	noticeOnly bool
	board      bool

	cleanDL      bool
	skipMerge    bool
	skipMux      bool
	noDL         bool
	noJSON       bool
	noPlaylist   bool
	noThumbnails bool
	noHTML       bool
	noSubfolder  bool
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download media from a community",
	Long: `Download enumerates a community's media, applies the configured
filters, and runs each selected item through the acquisition stages.`,
	RunE: runDownload,
}

func init() {
	f := downloadCmd.Flags()
	// Flag names follow the original underscore convention; accept the
	// hyphenated spellings too.
	f.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "-", "_"))
	})
	f.StringVar(&downloadFlags.group, "group", "", "community key, name, or id (required)")
	f.StringSliceVar(&downloadFlags.timeSpec, "time", nil, "publication window, e.g. --time 2025-11-01 --time 2025-11-30")

	f.BoolVar(&downloadFlags.key, "key", false, "print decryption keys and skip the download")
	f.BoolVar(&downloadFlags.noCookie, "no_cookie", false, "run without a session (public content only)")
	f.BoolVar(&downloadFlags.hlsOnly, "hls_only_dl", false, "prefer HLS even when DASH is available")
	f.BoolVar(&downloadFlags.fanclub, "fanclub", false, "fanclub-only items")
	f.BoolVar(&downloadFlags.noFanclub, "nofanclub", false, "exclude fanclub-only items")

	f.BoolVar(&downloadFlags.liveOnly, "liveonly", false, "live replays only")
	f.BoolVar(&downloadFlags.mediaOnly, "mediaonly", false, "VOD and live replays only")
	f.BoolVar(&downloadFlags.photoOnly, "photoonly", false, "photo posts only")
	f.BoolVar(&downloadFlags.noticeOnly, "noticeonly", false, "notices only")
	f.BoolVar(&downloadFlags.board, "board", false, "board posts only")

	f.BoolVar(&downloadFlags.cleanDL, "clean_dl", true, "delete intermediate files after mux")
	f.BoolVar(&downloadFlags.skipMerge, "skip_merge", false, "stop after segment download")
	f.BoolVar(&downloadFlags.skipMux, "skip_mux", false, "stop after merge and decryption")
	f.BoolVar(&downloadFlags.noDL, "nodl", false, "resolve metadata only, download nothing")
	f.BoolVar(&downloadFlags.noJSON, "nojson", false, "skip metadata JSON sidecars")
	f.BoolVar(&downloadFlags.noPlaylist, "notplaylist", false, "skip manifest/playlist sidecars")
	f.BoolVar(&downloadFlags.noThumbnails, "nothumbnails", false, "skip thumbnail downloads")
	f.BoolVar(&downloadFlags.noHTML, "nohtml", false, "skip HTML rendering of posts and notices")
	f.BoolVar(&downloadFlags.noSubfolder, "nosubfolder", false, "flatten the output layout")

	rootCmd.AddCommand(downloadCmd)
}

func runDownload(cmd *cobra.Command, _ []string) error {
	if downloadFlags.group == "" {
		return usageError{fmt.Errorf("--group is required")}
	}
	if downloadFlags.fanclub && downloadFlags.noFanclub {
		return usageError{fmt.Errorf("--fanclub and --nofanclub are mutually exclusive")}
	}
	window, err := parseTimeWindow(downloadFlags.timeSpec, cfg.TimeZone)
	if err != nil {
		return usageError{err}
	}

	cfg.Output.NoSubfolder = cfg.Output.NoSubfolder || downloadFlags.noSubfolder
	cfg.Download.CleanIntermediate = effectiveCleanDL(cmd.Flags(), downloadFlags.cleanDL, cfg.Download.CleanIntermediate)

	ctx := cmd.Context()
	deps, cleanup, err := buildDeps(ctx, downloadFlags.noCookie, !downloadFlags.noDL && !downloadFlags.key)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := pipeline.Options{
		Community:     downloadFlags.group,
		PrintKeysOnly: downloadFlags.key,
		PreferHLS:     downloadFlags.hlsOnly,
		Fanclub:       fanclubFilter(),
		LiveOnly:      downloadFlags.liveOnly,
		MediaOnly:     downloadFlags.mediaOnly,
		PhotoOnly:     downloadFlags.photoOnly,
		NoticeOnly:    downloadFlags.noticeOnly,
		Board:         downloadFlags.board,
		NoDownload:    downloadFlags.noDL,
		SkipMerge:     downloadFlags.skipMerge,
		SkipMux:       downloadFlags.skipMux,
		NoJSON:        downloadFlags.noJSON,
		NoPlaylist:    downloadFlags.noPlaylist,
		NoThumbnails:  downloadFlags.noThumbnails,
		NoHTML:        downloadFlags.noHTML,
		Window:        window,
	}

	res, err := pipeline.New(*deps).Run(ctx, opts)
	if err != nil {
		return err
	}
	log.Info("run complete")
	fmt.Printf("done: %d, skipped: %d, failed: %d\n", res.Done, res.Skipped, res.Failed)
	return res.Err()
}

// effectiveCleanDL resolves the flag-vs-config precedence for clean_dl:
// the flag only wins when it was explicitly set, so its true default does
// not shadow a config-file false.
func effectiveCleanDL(flags *pflag.FlagSet, flagValue, configValue bool) bool {
	if flags.Changed("clean_dl") {
		return flagValue
	}
	return configValue
}

func fanclubFilter() pipeline.FanclubFilter {
	switch {
	case downloadFlags.fanclub:
		return pipeline.FanclubOnly
	case downloadFlags.noFanclub:
		return pipeline.FanclubNone
	default:
		return pipeline.FanclubAll
	}
}

// timeLayouts are the accepted --time formats.
var timeLayouts = []string{"2006-01-02", "2006-01-02T15:04:05", "060102"}

func parseTimeWindow(spec []string, tz config.TimeZoneConfig) (berriz.TimeWindow, error) {
	var w berriz.TimeWindow
	if len(spec) == 0 {
		return w, nil
	}
	if len(spec) != 2 {
		return w, fmt.Errorf("--time takes exactly two timestamps, got %d", len(spec))
	}
	from, err := parseTimestamp(spec[0], tz)
	if err != nil {
		return w, err
	}
	to, err := parseTimestamp(spec[1], tz)
	if err != nil {
		return w, err
	}
	// A date-only upper bound means "through the end of that day".
	if to.Hour() == 0 && to.Minute() == 0 && to.Second() == 0 {
		to = to.Add(24*time.Hour - time.Second)
	}
	if to.Before(from) {
		return w, fmt.Errorf("--time range is inverted")
	}
	w.From, w.To = from, to
	return w, nil
}

func parseTimestamp(s string, tz config.TimeZoneConfig) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, tz.Location()); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// buildDeps wires the pipeline's collaborators from configuration. The
// returned cleanup closes sessions and flushes the ledger.
func buildDeps(ctx context.Context, noCookie, needTools bool) (*pipeline.Deps, func(), error) {
	var session *auth.Client
	var tokens httpclient.TokenSource
	if !noCookie {
		store := auth.NewStore(cfg.Storage.CookieDir)
		session = auth.NewClient(store, cfg.Credentials, auth.Routes{}, cfg.Headers.UserAgent, nil, log)
		tokens = session
	}

	proxies, err := httpclient.NewProxyRotator(cfg.Proxy)
	if err != nil {
		return nil, nil, fmt.Errorf("configuring proxies: %w", err)
	}

	hc := httpclient.New(httpclient.Config{
		ConnectTimeout: cfg.Download.ConnectTimeout,
		ReadTimeout:    cfg.Download.ReadTimeout,
		RetryAttempts:  cfg.Download.RetryAttempts,
		UserAgent:      cfg.Headers.UserAgent,
		Tokens:         tokens,
		Proxies:        proxies,
		Logger:         log,
	})

	db, err := database.Open(cfg.Storage.KeyVault, log)
	if err != nil {
		return nil, nil, fmt.Errorf("opening key vault: %w", err)
	}
	if err := db.AutoMigrate(&models.KeyEntry{}); err != nil {
		return nil, nil, err
	}
	vault := repository.NewKeyRepository(db.DB)

	backend, err := drm.NewBackend(cfg.KeyService, cfg.CDM, hc, log)
	if err != nil {
		return nil, nil, fmt.Errorf("configuring DRM backend: %w", err)
	}

	ledger, err := dedup.Open(cfg.Storage.LedgerFile, ledgerPolicy(cfg.Duplicate), log)
	if err != nil {
		return nil, nil, fmt.Errorf("opening dedup ledger: %w", err)
	}

	deps := &pipeline.Deps{
		Config:   cfg,
		Session:  session,
		HTTP:     hc,
		Resolver: nil,
		API:      berriz.NewClient(hc, "", log),
		Ledger:   ledger,
		Keys:     drm.NewResolver(vault, backend, log),
		Download: download.NewDownloader(hc,
			semaphore.NewWeighted(int64(cfg.Download.SegmentConcurrency)),
			cfg.Download.SegmentTimeout, log),
		Merger:   download.NewMerger(log),
		Selector: nil,
		Chooser:  terminalChooser{},
		Logger:   log,
	}
	deps.Resolver = berriz.NewCommunityResolver(deps.API, cfg.Storage.StaticDir, log)

	if needTools {
		ts, err := tools.Discover(cfg.Container)
		if err != nil {
			ledger.Close(ctx)
			return nil, nil, err
		}
		deps.Decrypt = tools.NewDecryptor(ts, cfg.Container.DecryptionEngine, log)
		deps.Muxer = tools.NewMuxer(ts, cfg.Container.Mux, log)
	}

	cleanup := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ledger.Close(closeCtx); err != nil {
			log.Warn("closing dedup ledger failed")
		}
		hc.Close()
	}
	return deps, cleanup, nil
}

func ledgerPolicy(d config.DuplicateConfig) dedup.Policy {
	// The config expresses "allow duplicates"; the ledger expresses "skip
	// duplicates", hence the inversion.
	overrides := make(map[dedup.Category]bool)
	if d.Overrides.Image != nil {
		overrides[dedup.CategoryImage] = !*d.Overrides.Image
	}
	if d.Overrides.Video != nil {
		overrides[dedup.CategoryVideo] = !*d.Overrides.Video
	}
	if d.Overrides.Post != nil {
		overrides[dedup.CategoryPost] = !*d.Overrides.Post
	}
	if d.Overrides.Notice != nil {
		overrides[dedup.CategoryNotice] = !*d.Overrides.Notice
	}
	return dedup.Policy{Default: !d.Default, Overrides: overrides}
}
