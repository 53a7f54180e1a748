package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/berridl/berridl/internal/auth"
	"github.com/berridl/berridl/internal/berriz"
	"github.com/berridl/berridl/internal/config"
	"github.com/berridl/berridl/internal/dedup"
	"github.com/berridl/berridl/internal/download"
	"github.com/berridl/berridl/internal/drm"
	"github.com/berridl/berridl/internal/httpclient"
	"github.com/berridl/berridl/internal/manifest"
	"github.com/berridl/berridl/internal/models"
	"github.com/berridl/berridl/internal/observability"
	"github.com/berridl/berridl/internal/tools"
)

// FanclubFilter is the tri-state fanclub selection.
type FanclubFilter int

const (
	// FanclubAll keeps both fanclub and regular items.
	FanclubAll FanclubFilter = iota
	// FanclubOnly keeps fanclub items only.
	FanclubOnly
	// FanclubNone keeps regular items only.
	FanclubNone
)

func (f FanclubFilter) String() string {
	switch f {
	case FanclubOnly:
		return "fanclub-only"
	case FanclubNone:
		return "no-fanclub"
	default:
		return "all"
	}
}

// Options are the per-run toggles, mostly mapped from CLI flags.
type Options struct {
	Community string // community key, name, or numeric id

	PrintKeysOnly bool // resolve keys, skip the download stages
	PreferHLS     bool
	Fanclub       FanclubFilter

	// Content-type filters. All false means everything.
	LiveOnly   bool
	MediaOnly  bool
	PhotoOnly  bool
	NoticeOnly bool
	Board      bool

	// Stage toggles.
	NoDownload   bool
	SkipMerge    bool
	SkipMux      bool
	NoJSON       bool
	NoPlaylist   bool
	NoThumbnails bool
	NoHTML       bool

	Window berriz.TimeWindow
}

// Result summarizes one run.
type Result struct {
	Done    int
	Skipped int
	Failed  int
	Jobs    []*Job
}

// Err returns an error when any job failed.
func (r Result) Err() error {
	if r.Failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", r.Failed, len(r.Jobs))
	}
	return nil
}

// Pipeline wires the acquisition stages together for one run.
type Pipeline struct {
	cfg      *config.Config
	session  *auth.Client
	hc       *httpclient.Client
	api      *berriz.Client
	resolver *berriz.CommunityResolver
	enum     *berriz.Enumerator
	ledger   *dedup.Ledger
	keys     *drm.Resolver
	dl       *download.Downloader
	merger   *download.Merger
	decrypt  *tools.Decryptor
	muxer    *tools.Muxer

	selector Selector
	renderer Renderer
	chooser  manifest.Chooser

	photoSem *semaphore.Weighted
	postSem  *semaphore.Weighted

	// resMu guards Result mutation; posts and notices finish concurrently.
	resMu sync.Mutex

	log *slog.Logger
}

// Deps collects the collaborators of a pipeline.
type Deps struct {
	Config   *config.Config
	Session  *auth.Client
	HTTP     *httpclient.Client
	API      *berriz.Client
	Resolver *berriz.CommunityResolver
	Ledger   *dedup.Ledger
	Keys     *drm.Resolver
	Download *download.Downloader
	Merger   *download.Merger
	Decrypt  *tools.Decryptor
	Muxer    *tools.Muxer

	Selector Selector // nil = SelectAll
	Renderer Renderer // nil = RawRenderer
	Chooser  manifest.Chooser

	Logger *slog.Logger
}

// New assembles a pipeline from its dependencies.
func New(d Deps) *Pipeline {
	if d.Selector == nil {
		d.Selector = SelectAll{}
	}
	if d.Renderer == nil {
		d.Renderer = RawRenderer{}
	}
	photoN := d.Config.Download.PhotoConcurrency
	if photoN < 1 {
		photoN = 1
	}
	postN := d.Config.Download.PostConcurrency
	if postN < 1 {
		postN = 1
	}
	return &Pipeline{
		cfg:      d.Config,
		session:  d.Session,
		hc:       d.HTTP,
		api:      d.API,
		resolver: d.Resolver,
		enum:     berriz.NewEnumerator(d.API, d.Logger),
		ledger:   d.Ledger,
		keys:     d.Keys,
		dl:       d.Download,
		merger:   d.Merger,
		decrypt:  d.Decrypt,
		muxer:    d.Muxer,
		selector: d.Selector,
		renderer: d.Renderer,
		chooser:  d.Chooser,
		photoSem: semaphore.NewWeighted(int64(photoN)),
		postSem:  semaphore.NewWeighted(int64(postN)),
		log:      observability.WithComponent(d.Logger, "pipeline"),
	}
}

// Run executes one acquisition run and returns the per-job outcome. A
// cancelled context stops dispatch; cleanup of per-job temp state is done
// by the stages themselves.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Result, error) {
	if p.session != nil {
		if err := p.session.EnsureSession(ctx); err != nil {
			return nil, fmt.Errorf("ensuring session: %w", err)
		}
	}

	community, err := p.resolveCommunity(ctx, opts.Community)
	if err != nil {
		return nil, err
	}
	p.log.Info("community resolved",
		slog.String("name", community.Name),
		slog.Int64("community_id", community.CommunityID))

	cat, posts, notices, err := p.enumerate(ctx, community, opts)
	if err != nil {
		return nil, err
	}

	sel, err := p.selector.Select(ctx, cat, posts, notices)
	if err != nil {
		return nil, fmt.Errorf("selection: %w", err)
	}
	if sel.Empty() {
		p.log.Info("nothing selected")
		return &Result{}, nil
	}

	res := &Result{}
	p.runVideos(ctx, community, append(sel.VODs, sel.Lives...), opts, res)
	p.runPhotos(ctx, community, sel.Photos, opts, res)
	p.runPosts(ctx, community, sel.Posts, opts, res)
	p.runNotices(ctx, community, sel.Notices, opts, res)

	if err := p.ledger.Flush(); err != nil {
		p.log.Warn("flushing dedup ledger failed", slog.String("error", err.Error()))
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, nil
}

func (p *Pipeline) resolveCommunity(ctx context.Context, key string) (*berriz.Community, error) {
	if key == "" {
		return nil, errors.New("no community given")
	}
	var id int64
	if _, err := fmt.Sscanf(key, "%d", &id); err == nil && fmt.Sprint(id) == key {
		return p.resolver.ResolveID(ctx, id)
	}
	return p.resolver.Resolve(ctx, key)
}

// enumerate fetches whatever the content-type filters ask for.
func (p *Pipeline) enumerate(ctx context.Context, community *berriz.Community, opts Options) (*berriz.Catalog, []berriz.BoardPost, []berriz.BoardPost, error) {
	wantMedia := !opts.NoticeOnly && !opts.Board
	wantBoard := opts.Board
	wantNotices := opts.NoticeOnly

	cat := &berriz.Catalog{}
	var posts, notices []berriz.BoardPost
	var err error

	if wantMedia {
		cat, err = p.enum.Enumerate(ctx, community.CommunityID, opts.Window)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("enumerating media: %w", err)
		}
		cat = p.applyFilters(ctx, community, cat, opts)
	}
	if wantBoard {
		posts, err = p.enum.EnumerateBoard(ctx, community.CommunityID, opts.Window)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("enumerating board: %w", err)
		}
	}
	if wantNotices {
		notices, err = p.enum.EnumerateNotices(ctx, community.CommunityID, opts.Window)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("enumerating notices: %w", err)
		}
	}
	return cat, posts, notices, nil
}

// applyFilters narrows the catalog by content type and fanclub access.
func (p *Pipeline) applyFilters(ctx context.Context, community *berriz.Community, cat *berriz.Catalog, opts Options) *berriz.Catalog {
	switch {
	case opts.LiveOnly:
		cat.VOD, cat.Photo = nil, nil
	case opts.MediaOnly:
		cat.Photo = nil
	case opts.PhotoOnly:
		cat.VOD, cat.Live = nil, nil
	}

	includeFanclub := opts.Fanclub != FanclubNone
	includeRegular := opts.Fanclub != FanclubOnly

	subscribed := false
	if includeFanclub {
		var err error
		subscribed, err = p.api.FanclubSubscribed(ctx, community.CommunityID)
		if err != nil {
			p.log.Warn("fanclub status unavailable, dropping fanclub items",
				slog.String("error", err.Error()))
		}
	}

	cat.VOD = berriz.FilterFanclub(cat.VOD, subscribed, includeFanclub, includeRegular)
	cat.Live = berriz.FilterFanclub(cat.Live, subscribed, includeFanclub, includeRegular)
	cat.Photo = berriz.FilterFanclub(cat.Photo, subscribed, includeFanclub, includeRegular)
	return cat
}

// gate consults the dedup ledger. It returns true when the job should be
// skipped.
func (p *Pipeline) gate(job *Job, res *Result) bool {
	cat := dedup.CategoryOf(job.Descriptor.Type)
	if p.ledger.Exists(job.Descriptor.ID, cat) {
		job.skip(models.ErrAlreadyDownloaded)
		p.resMu.Lock()
		res.Skipped++
		p.resMu.Unlock()
		p.log.Info("already processed, skipping",
			slog.String("media_id", job.Descriptor.ID),
			slog.String("type", string(job.Descriptor.Type)))
		return true
	}
	return false
}

// finish records the outcome of a processed job.
func (p *Pipeline) finish(job *Job, res *Result, err error) {
	p.resMu.Lock()
	defer p.resMu.Unlock()
	switch {
	case err == nil:
		job.setState(JobDone)
		p.ledger.Add(job.Descriptor.ID)
		res.Done++
	case errors.Is(err, context.Canceled):
		job.fail(err)
		res.Failed++
	case isDomainSkip(err):
		job.skip(err)
		res.Skipped++
		p.log.Warn("job skipped",
			slog.String("media_id", job.Descriptor.ID),
			slog.String("reason", err.Error()))
	default:
		job.fail(err)
		res.Failed++
		p.log.Error("job failed",
			slog.String("media_id", job.Descriptor.ID),
			slog.String("error", err.Error()))
	}
}

// isDomainSkip classifies errors that mark a job skipped rather than
// failed: server-side domain refusals and deliberate track omission.
func isDomainSkip(err error) bool {
	var apiErr *models.APIError
	if errors.As(err, &apiErr) {
		return true
	}
	return errors.Is(err, models.ErrTrackOmitted) || errors.Is(err, models.ErrAlreadyDownloaded)
}

// outputRoot returns <download_dir>/<community>.
func (p *Pipeline) outputRoot(community *berriz.Community) string {
	return filepath.Join(p.cfg.Output.DownloadDir, community.Name)
}

// localDate renders t in the configured zone with the configured layout.
func (p *Pipeline) localDate(t time.Time) string {
	layout := p.cfg.Output.DateFormat
	if layout == "" {
		layout = "060102"
	}
	return t.In(p.cfg.TimeZone.Location()).Format(layout)
}

// writeFileMkdir writes data, creating parent directories.
func writeFileMkdir(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
