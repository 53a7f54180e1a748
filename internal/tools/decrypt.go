package tools

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/berridl/berridl/internal/config"
	"github.com/berridl/berridl/internal/observability"
)

// Decryptor removes CENC encryption from a merged track file using an
// external engine.
type Decryptor struct {
	tools  *Toolset
	engine string
	log    *slog.Logger
}

// NewDecryptor creates a decryptor for the configured engine.
func NewDecryptor(tools *Toolset, engine string, log *slog.Logger) *Decryptor {
	return &Decryptor{
		tools:  tools,
		engine: strings.ToUpper(engine),
		log:    observability.WithComponent(log, "decrypt"),
	}
}

// Decrypt produces outputPath from inputPath using keyString. The key
// string is one or more "kid:key" pairs, whitespace-separated for
// mp4decrypt and newline-separated for shaka packager.
func (d *Decryptor) Decrypt(ctx context.Context, inputPath, outputPath, keyString string) error {
	switch d.engine {
	case config.DecryptShakaPackager:
		return d.shakaDecrypt(ctx, inputPath, outputPath, keyString)
	default:
		return d.mp4Decrypt(ctx, inputPath, outputPath, keyString)
	}
}

// mp4Decrypt invokes mp4decrypt with one --key flag per pair.
func (d *Decryptor) mp4Decrypt(ctx context.Context, inputPath, outputPath, keyString string) error {
	args := make([]string, 0, 8)
	for _, key := range strings.Fields(keyString) {
		args = append(args, "--key", key)
	}
	args = append(args, inputPath, outputPath)

	return d.run(ctx, d.tools.MP4Decrypt, args)
}

// shakaDecrypt invokes shaka packager with raw key decryption, then moves
// the intermediate .m4v into place.
func (d *Decryptor) shakaDecrypt(ctx context.Context, inputPath, outputPath, keyString string) error {
	intermediate := outputPath + ".m4v"

	var keySpecs []string
	for _, line := range strings.Split(keyString, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		kid, key, ok := strings.Cut(line, ":")
		if !ok {
			return fmt.Errorf("malformed key %q", line)
		}
		keySpecs = append(keySpecs, fmt.Sprintf("key_id=%s:key=%s", kid, key))
	}
	if len(keySpecs) == 0 {
		return fmt.Errorf("no keys to decrypt with")
	}

	args := []string{
		fmt.Sprintf("input=%s,stream_selector=0,output=%s", inputPath, intermediate),
		"--enable_raw_key_decryption",
		"--keys", strings.Join(keySpecs, ","),
	}

	if err := d.run(ctx, d.tools.Packager, args); err != nil {
		return err
	}
	if err := os.Rename(intermediate, outputPath); err != nil {
		return fmt.Errorf("renaming packager output: %w", err)
	}
	return nil
}

// run executes the tool, surfacing stderr on non-zero exit.
func (d *Decryptor) run(ctx context.Context, bin string, args []string) error {
	if bin == "" {
		return fmt.Errorf("decryption engine %s not available", d.engine)
	}

	d.log.Debug("running decrypt tool",
		slog.String("bin", bin),
		slog.Int("args", len(args)))

	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w: %s", bin, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
