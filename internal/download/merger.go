package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/berridl/berridl/internal/observability"
	"github.com/berridl/berridl/internal/progress"
)

const (
	// mergeChunkLen is how many segment files each concurrent chunk task
	// concatenates.
	mergeChunkLen = 30

	// mergeBlockSize is the read block size during concatenation.
	mergeBlockSize = 2 * 1024 * 1024
)

// segmentIndexPattern extracts the numeric index from seg_<type>_<n><ext>.
var segmentIndexPattern = regexp.MustCompile(`seg_[a-z]+_(\d+)\.`)

// Merger concatenates downloaded segment files into one output file.
type Merger struct {
	log *slog.Logger
}

// NewMerger creates a merger.
func NewMerger(log *slog.Logger) *Merger {
	return &Merger{log: observability.WithComponent(log, "merge")}
}

// Merge produces outPath from the track's segments. Segments are restored
// to index order, partitioned into chunks of 30, concatenated concurrently
// into chunk files, and the chunk files are then appended serially. When
// the track has an init segment its bytes lead the output.
func (m *Merger) Merge(ctx context.Context, files *TrackFiles, outPath string, cb progress.Callback) error {
	segments := append([]string(nil), files.Segments...)
	sortByIndex(segments)

	total, err := totalSize(segments)
	if err != nil {
		return err
	}
	tracker := progress.NewTracker(filepath.Base(outPath), total, cb)
	tracker.Start(progress.StateMerging)

	tmpDir, err := os.MkdirTemp(files.Dir, "merge_")
	if err != nil {
		tracker.Fail(err)
		return fmt.Errorf("creating merge temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	chunks := partition(segments, mergeChunkLen)
	chunkFiles := make([]string, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		chunkPath := filepath.Join(tmpDir, fmt.Sprintf("chunk_%d", i))
		chunkFiles[i] = chunkPath
		g.Go(func() error {
			return concatFiles(gctx, chunkPath, chunk, nil)
		})
	}
	if err := g.Wait(); err != nil {
		tracker.Fail(err)
		return fmt.Errorf("merging chunks: %w", err)
	}

	out, err := os.Create(outPath)
	if err != nil {
		tracker.Fail(err)
		return fmt.Errorf("creating merge output: %w", err)
	}
	defer out.Close()

	// MPD tracks lead with the init bytes; HLS tracks have none. The
	// tracker total only covers segment bytes, so init is not counted.
	if files.InitPath != "" {
		if err := appendFile(ctx, out, files.InitPath, nil); err != nil {
			tracker.Fail(err)
			return fmt.Errorf("writing init bytes: %w", err)
		}
	}

	for _, chunkPath := range chunkFiles {
		if err := appendFile(ctx, out, chunkPath, tracker); err != nil {
			tracker.Fail(err)
			return fmt.Errorf("appending chunk: %w", err)
		}
	}

	if err := out.Sync(); err != nil {
		tracker.Fail(err)
		return fmt.Errorf("syncing merge output: %w", err)
	}

	tracker.Done()
	m.log.Debug("merge complete",
		slog.String("output", outPath),
		slog.Int("segments", len(segments)))
	return nil
}

// sortByIndex restores segment order from the numeric index embedded in
// the filename.
func sortByIndex(paths []string) {
	sort.Slice(paths, func(i, j int) bool {
		return segmentIndex(paths[i]) < segmentIndex(paths[j])
	})
}

func segmentIndex(path string) int {
	m := segmentIndexPattern.FindStringSubmatch(filepath.Base(path))
	if len(m) != 2 {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

func partition(paths []string, size int) [][]string {
	var chunks [][]string
	for len(paths) > size {
		chunks = append(chunks, paths[:size])
		paths = paths[size:]
	}
	if len(paths) > 0 {
		chunks = append(chunks, paths)
	}
	return chunks
}

// concatFiles concatenates inputs into a new file at dst.
func concatFiles(ctx context.Context, dst string, inputs []string, tracker *progress.Tracker) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	for _, in := range inputs {
		if err := appendFile(ctx, out, in, tracker); err != nil {
			return err
		}
	}
	return out.Sync()
}

// appendFile streams src onto w in fixed-size blocks, reporting bytes to
// the tracker when one is supplied.
func appendFile(ctx context.Context, w io.Writer, src string, tracker *progress.Tracker) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, mergeBlockSize)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if tracker != nil {
				tracker.Add(int64(n))
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

func totalSize(paths []string) (int64, error) {
	var total int64
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return 0, fmt.Errorf("sizing segment: %w", err)
		}
		total += info.Size()
	}
	return total, nil
}
