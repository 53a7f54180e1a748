package tools

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/berridl/berridl/internal/config"
	"github.com/berridl/berridl/internal/observability"
)

// Muxer produces the final container from decrypted/plain track files.
type Muxer struct {
	tools  *Toolset
	engine string
	log    *slog.Logger
}

// NewMuxer creates a muxer for the configured engine.
func NewMuxer(tools *Toolset, engine string, log *slog.Logger) *Muxer {
	return &Muxer{
		tools:  tools,
		engine: engine,
		log:    observability.WithComponent(log, "mux"),
	}
}

// Mux combines video and optional audio into outputPath. audioPath may be
// empty for video-only items.
func (m *Muxer) Mux(ctx context.Context, videoPath, audioPath, outputPath string) error {
	switch m.engine {
	case config.MuxMkvmerge:
		return m.mkvmerge(ctx, videoPath, audioPath, outputPath)
	default:
		return m.ffmpeg(ctx, videoPath, audioPath, outputPath)
	}
}

// ffmpeg remuxes with stream copy, stripping metadata and chapters and
// regenerating timestamps for fragmented inputs.
func (m *Muxer) ffmpeg(ctx context.Context, videoPath, audioPath, outputPath string) error {
	args := []string{"-i", videoPath}
	if audioPath != "" {
		args = append(args, "-i", audioPath)
	}
	args = append(args,
		"-c", "copy",
		"-bsf:a", "aac_adtstoasc",
		"-movflags", "+faststart+frag_keyframe+empty_moov+default_base_moof",
		"-fflags", "+genpts",
		"-map_metadata", "-1",
		"-map_chapters", "-1",
		"-metadata", "title=",
		"-metadata", "comment=",
		"-y", outputPath,
	)
	return m.run(ctx, m.tools.FFmpeg, args)
}

// mkvmerge muxes into Matroska with tags, chapters and the title stripped.
func (m *Muxer) mkvmerge(ctx context.Context, videoPath, audioPath, outputPath string) error {
	args := []string{
		"-o", outputPath,
		"--no-chapters",
		"--no-global-tags",
		"--no-track-tags",
		"--title", "",
		"--disable-language-ietf",
		videoPath,
	}
	if audioPath != "" {
		args = append(args, audioPath)
	}
	return m.run(ctx, m.tools.MKVMerge, args)
}

func (m *Muxer) run(ctx context.Context, bin string, args []string) error {
	if bin == "" {
		return fmt.Errorf("mux engine %s not available", m.engine)
	}

	m.log.Debug("running muxer", slog.String("bin", bin))

	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w: %s", bin, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
