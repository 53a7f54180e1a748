// Package tools wraps the external binaries the pipeline shells out to:
// the decryption engines and the muxers.
package tools

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/berridl/berridl/internal/config"
	"github.com/berridl/berridl/internal/models"
)

// Toolset holds resolved paths to the external binaries the configured
// engines require. Discovery happens once at startup so a missing tool
// fails the run before any download starts.
type Toolset struct {
	FFmpeg     string
	MKVMerge   string
	MP4Decrypt string
	Packager   string
}

// Discover resolves the binaries the configuration calls for. Binaries for
// unselected engines are probed but not required.
func Discover(cfg config.ContainerConfig) (*Toolset, error) {
	t := &Toolset{}

	t.FFmpeg = findTool("ffmpeg", "FFMPEG_PATH")
	t.MKVMerge = findTool("mkvmerge", "MKVMERGE_PATH")
	t.MP4Decrypt = findTool("mp4decrypt", "MP4DECRYPT_PATH")
	t.Packager = findTool("packager", "PACKAGER_PATH")

	switch cfg.Mux {
	case config.MuxMkvmerge:
		if t.MKVMerge == "" {
			return nil, fmt.Errorf("%w: mkvmerge", models.ErrToolMissing)
		}
	default:
		if t.FFmpeg == "" {
			return nil, fmt.Errorf("%w: ffmpeg", models.ErrToolMissing)
		}
	}

	switch strings.ToUpper(cfg.DecryptionEngine) {
	case config.DecryptShakaPackager:
		if t.Packager == "" {
			return nil, fmt.Errorf("%w: packager", models.ErrToolMissing)
		}
	default:
		if t.MP4Decrypt == "" {
			return nil, fmt.Errorf("%w: mp4decrypt", models.ErrToolMissing)
		}
	}

	return t, nil
}

// findTool resolves one external binary, or "" when absent. An environment
// override wins, then a copy next to the working directory, then PATH.
func findTool(name, envVar string) string {
	if p := os.Getenv(envVar); p != "" && runnable(p) {
		return p
	}
	if p := "./" + name; runnable(p) {
		return p
	}
	p, err := exec.LookPath(name)
	if err != nil {
		return ""
	}
	return p
}

func runnable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Mode()&0o111 != 0
}
