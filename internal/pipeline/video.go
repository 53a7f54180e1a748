package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"github.com/berridl/berridl/internal/berriz"
	"github.com/berridl/berridl/internal/download"
	"github.com/berridl/berridl/internal/manifest"
	"github.com/berridl/berridl/internal/models"
	"github.com/berridl/berridl/internal/pathutil"
	"github.com/berridl/berridl/internal/progress"
)

// runVideos processes VOD and live-replay items one at a time; segment
// fetching inside each item is already concurrent.
func (p *Pipeline) runVideos(ctx context.Context, community *berriz.Community, items []models.MediaDescriptor, opts Options, res *Result) {
	for _, d := range items {
		if ctx.Err() != nil {
			return
		}
		job := NewJob(d)
		res.Jobs = append(res.Jobs, job)
		if p.gate(job, res) {
			continue
		}
		p.finish(job, res, p.processVideo(ctx, community, job, opts))
	}
}

func (p *Pipeline) processVideo(ctx context.Context, community *berriz.Community, job *Job, opts Options) error {
	job.setState(JobFetching)
	mediaID := job.Descriptor.ID

	pc, err := p.api.PlaybackInfo(ctx, mediaID)
	if err != nil {
		return fmt.Errorf("playback info: %w", err)
	}
	pub, err := p.api.PublicContext(ctx, mediaID)
	if err != nil {
		return fmt.Errorf("public context: %w", err)
	}
	info := p.mergePublicInfo(community, pub, pc)

	preferHLS := opts.PreferHLS || p.cfg.Streaming.PreferHLS
	useHLS := preferHLS || pc.MPDURL == ""
	if useHLS && pc.HLSURL == "" {
		useHLS = false
	}

	var src *streamSource
	if useHLS {
		src, err = p.selectHLSTracks(ctx, pc)
	} else {
		src, err = p.selectDASHTracks(ctx, pc, opts)
	}
	if err != nil {
		return err
	}

	if opts.PrintKeysOnly {
		for _, k := range src.keys {
			fmt.Println(k)
		}
		p.log.Info("keys resolved, download skipped",
			slog.String("media_id", mediaID),
			slog.Int("keys", len(src.keys)))
		return nil
	}
	if opts.NoDownload {
		return nil
	}

	dir := p.videoDir(community, info, opts)
	tempDir := filepath.Join(dir, "temp_"+mediaID)

	job.setState(JobDownloading)
	videoFiles, audioFiles, err := p.downloadTracks(ctx, tempDir, src.video, src.audio)
	if err != nil {
		return err
	}

	if opts.SkipMerge {
		p.log.Info("merge skipped, segments left in place", slog.String("dir", tempDir))
		return nil
	}

	job.setState(JobMerging)
	videoPath, audioPath, err := p.mergeTracks(ctx, tempDir, videoFiles, audioFiles)
	if err != nil {
		return err
	}

	if len(src.keys) > 0 {
		job.setState(JobDecrypting)
		videoPath, audioPath, err = p.decryptTracks(ctx, videoPath, audioPath, src.keys)
		if err != nil {
			return err
		}
	}

	finalPath := p.finalPath(dir, info, opts)
	if opts.SkipMux {
		// No muxing: the merged (decrypted) video becomes the output.
		job.setState(JobRenaming)
		if err := os.Rename(videoPath, finalPath); err != nil {
			return fmt.Errorf("placing output: %w", err)
		}
	} else {
		job.setState(JobMuxing)
		if err := p.muxer.Mux(ctx, videoPath, audioPath, finalPath); err != nil {
			return fmt.Errorf("muxing: %w", err)
		}
	}
	job.setState(JobRenaming)

	if err := p.writeSidecars(ctx, dir, info, src, opts); err != nil {
		p.log.Warn("writing sidecar files failed", slog.String("error", err.Error()))
	}

	if p.cfg.Download.CleanIntermediate {
		if err := os.RemoveAll(tempDir); err != nil {
			p.log.Warn("removing temp dir failed", slog.String("dir", tempDir), slog.String("error", err.Error()))
		}
	}

	p.log.Info("video complete",
		slog.String("media_id", mediaID),
		slog.String("output", finalPath))
	return nil
}

// streamSource carries the chosen tracks, any resolved decryption keys,
// and the manifest document they came from.
type streamSource struct {
	video *manifest.Track
	audio *manifest.Track
	keys  []string
	raw   []byte
	hls   bool
}

// selectDASHTracks parses the MPD, applies track selection, and resolves
// decryption keys when the stream is protected.
func (p *Pipeline) selectDASHTracks(ctx context.Context, pc *models.PlaybackContext, opts Options) (*streamSource, error) {
	data, err := p.hc.FetchManifest(ctx, pc.MPDURL)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest: %w", err)
	}
	pres, err := manifest.ParseMPD(data, pc.MPDURL)
	if err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	src := &streamSource{raw: data}
	if len(pres.Video) > 0 {
		src.video, err = manifest.SelectVideo(pres.Video, p.cfg.Streaming.VideoChoice, p.chooser)
		if err != nil && !errors.Is(err, models.ErrTrackOmitted) {
			return nil, err
		}
	}
	if len(pres.Audio) > 0 {
		src.audio, err = manifest.SelectAudio(pres.Audio, p.cfg.Streaming.AudioChoice, p.chooser)
		if err != nil && !errors.Is(err, models.ErrTrackOmitted) {
			return nil, err
		}
	}
	if src.video == nil && src.audio == nil {
		return nil, models.ErrTrackOmitted
	}

	if pc.IsDRM && pres.Protection.IsDRM() {
		src.keys, err = p.keys.GetKeys(ctx, pc, pres)
		if err != nil {
			return nil, fmt.Errorf("resolving keys: %w", err)
		}
	}
	return src, nil
}

// selectHLSTracks parses the master and fills the chosen variant's
// segment list from its media playlist.
func (p *Pipeline) selectHLSTracks(ctx context.Context, pc *models.PlaybackContext) (*streamSource, error) {
	data, err := p.hc.FetchManifest(ctx, pc.HLSURL)
	if err != nil {
		return nil, fmt.Errorf("fetching playlist: %w", err)
	}
	master, err := manifest.ParseMaster(data, pc.HLSURL)
	if err != nil {
		return nil, fmt.Errorf("parsing playlist: %w", err)
	}

	src := &streamSource{raw: data, hls: true}
	if len(master.Variants) > 0 {
		src.video, err = manifest.SelectVideo(master.Variants, p.cfg.Streaming.VideoChoice, p.chooser)
		if err != nil && !errors.Is(err, models.ErrTrackOmitted) {
			return nil, err
		}
	}
	if len(master.Audio) > 0 {
		src.audio, err = manifest.SelectAudio(master.Audio, p.cfg.Streaming.AudioChoice, p.chooser)
		if err != nil && !errors.Is(err, models.ErrTrackOmitted) {
			return nil, err
		}
	}
	if src.video == nil && src.audio == nil {
		return nil, models.ErrTrackOmitted
	}

	if src.video != nil {
		*src.video, err = p.loadMediaPlaylist(ctx, *src.video)
		if err != nil {
			return nil, err
		}
	}
	if src.audio != nil {
		*src.audio, err = p.loadMediaPlaylist(ctx, *src.audio)
		if err != nil {
			return nil, err
		}
	}
	return src, nil
}

func (p *Pipeline) loadMediaPlaylist(ctx context.Context, track manifest.Track) (manifest.Track, error) {
	mediaURL := manifest.MediaURL(track)
	data, err := p.hc.FetchManifest(ctx, mediaURL)
	if err != nil {
		return track, fmt.Errorf("fetching media playlist: %w", err)
	}
	return manifest.ParseMedia(data, mediaURL, track, p.log)
}

func (p *Pipeline) downloadTracks(ctx context.Context, tempDir string, video, audio *manifest.Track) (videoFiles, audioFiles *download.TrackFiles, err error) {
	cb := p.progressLogger()
	if video != nil {
		videoFiles, err = p.dl.DownloadTrack(ctx, *video, tempDir, cb)
		if err != nil {
			return nil, nil, fmt.Errorf("downloading video: %w", err)
		}
	}
	if audio != nil {
		audioFiles, err = p.dl.DownloadTrack(ctx, *audio, tempDir, cb)
		if err != nil {
			return nil, nil, fmt.Errorf("downloading audio: %w", err)
		}
	}
	return videoFiles, audioFiles, nil
}

func (p *Pipeline) mergeTracks(ctx context.Context, tempDir string, video, audio *download.TrackFiles) (videoPath, audioPath string, err error) {
	cb := p.progressLogger()
	if video != nil {
		videoPath = filepath.Join(tempDir, "video_merged.mp4")
		if err := p.merger.Merge(ctx, video, videoPath, cb); err != nil {
			return "", "", fmt.Errorf("merging video: %w", err)
		}
	}
	if audio != nil {
		audioPath = filepath.Join(tempDir, "audio_merged.mp4")
		if err := p.merger.Merge(ctx, audio, audioPath, cb); err != nil {
			return "", "", fmt.Errorf("merging audio: %w", err)
		}
	}
	return videoPath, audioPath, nil
}

func (p *Pipeline) decryptTracks(ctx context.Context, videoPath, audioPath string, keys []string) (string, string, error) {
	keyString := strings.Join(keys, "\n")
	if videoPath != "" {
		out := strings.TrimSuffix(videoPath, filepath.Ext(videoPath)) + "_dec.mp4"
		if err := p.decrypt.Decrypt(ctx, videoPath, out, keyString); err != nil {
			return "", "", fmt.Errorf("decrypting video: %w", err)
		}
		videoPath = out
	}
	if audioPath != "" {
		out := strings.TrimSuffix(audioPath, filepath.Ext(audioPath)) + "_dec.mp4"
		if err := p.decrypt.Decrypt(ctx, audioPath, out, keyString); err != nil {
			return "", "", fmt.Errorf("decrypting audio: %w", err)
		}
		audioPath = out
	}
	return videoPath, audioPath, nil
}

// mergePublicInfo combines playback and presentation metadata.
func (p *Pipeline) mergePublicInfo(community *berriz.Community, pub *berriz.PublicContext, pc *models.PlaybackContext) *PublicInfo {
	return &PublicInfo{
		MediaID:       pub.Media.MediaID,
		Title:         pub.Media.Title,
		CommunityName: community.Name,
		Artists:       pub.ArtistNames(),
		PublishedAt:   pub.Media.PublishedAt,
		Thumbnail:     pub.Media.Thumbnail,
		Duration:      int64(pc.Duration.Seconds()),
		IsDRM:         pc.IsDRM,
	}
}

// videoDir returns the output directory of one video, honoring the
// no-subfolder flag.
func (p *Pipeline) videoDir(community *berriz.Community, info *PublicInfo, opts Options) string {
	root := filepath.Join(p.outputRoot(community), "Videos")
	if p.cfg.Output.NoSubfolder {
		return root
	}
	folder := pathutil.BuildName(p.cfg.Output.DirTemplate, p.templateFields(info))
	return filepath.Join(root, folder)
}

func (p *Pipeline) finalPath(dir string, info *PublicInfo, _ Options) string {
	name := pathutil.BuildName(p.cfg.Output.VideoTemplate, p.templateFields(info))
	ext := p.cfg.Container.FinalContainer()
	return pathutil.EnsureUnique(filepath.Join(dir, name+"."+ext))
}

func (p *Pipeline) templateFields(info *PublicInfo) map[string]string {
	return map[string]string{
		"date":           p.localDate(info.PublishedAt),
		"community_name": info.CommunityName,
		"artis":          strings.Join(info.Artists, " "),
		"title":          info.Title,
		"tag":            pathutil.Expand(p.cfg.Output.TagTemplate, nil),
	}
}

// writeSidecars persists metadata JSON, the source manifest, and the
// thumbnail next to the output, subject to the stage toggles.
func (p *Pipeline) writeSidecars(ctx context.Context, dir string, info *PublicInfo, src *streamSource, opts Options) error {
	if !opts.NoJSON {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}
		name := pathutil.Sanitize(info.Title) + ".json"
		if err := writeFileMkdir(filepath.Join(dir, name), data); err != nil {
			return err
		}
	}
	if !opts.NoPlaylist && len(src.raw) > 0 {
		name := "manifest_" + info.MediaID + ".mpd"
		if src.hls {
			name = "playlist_" + info.MediaID + ".m3u8"
		}
		if err := writeFileMkdir(filepath.Join(dir, name), src.raw); err != nil {
			return err
		}
	}
	if !opts.NoThumbnails && info.Thumbnail != "" {
		if err := p.fetchFile(ctx, info.Thumbnail, filepath.Join(dir, "thumbnails_"+info.MediaID+".jpg")); err != nil {
			return err
		}
	}
	return nil
}

// progressLogger emits throttled debug lines for stage progress.
func (p *Pipeline) progressLogger() progress.Callback {
	var last int64 = -1
	return func(u progress.Update) {
		if u.State.IsTerminal() || u.Current-last >= 25 {
			last = u.Current
			p.log.Debug("progress",
				slog.String("label", u.Label),
				slog.String("state", string(u.State)),
				slog.Int64("current", u.Current),
				slog.Int64("total", u.Total))
		}
	}
}
