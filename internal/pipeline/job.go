// Package pipeline orchestrates one acquisition run: session, community
// resolution, selection, dedup gating, and per-category processing.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/berridl/berridl/internal/berriz"
	"github.com/berridl/berridl/internal/models"
)

// JobState tracks a job through its stages.
type JobState string

const (
	JobQueued      JobState = "queued"
	JobFetching    JobState = "fetching"
	JobDownloading JobState = "downloading"
	JobMerging     JobState = "merging"
	JobDecrypting  JobState = "decrypting"
	JobMuxing      JobState = "muxing"
	JobRenaming    JobState = "renaming"
	JobDone        JobState = "done"
	JobFailed      JobState = "failed"
	JobSkipped     JobState = "skipped"
)

// Job is one unit of work flowing through the pipeline.
type Job struct {
	Descriptor models.MediaDescriptor

	mu    sync.Mutex
	state JobState
	err   error
}

// NewJob creates a queued job for the descriptor.
func NewJob(d models.MediaDescriptor) *Job {
	return &Job{Descriptor: d, state: JobQueued}
}

// State returns the current state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the failure cause, if any.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *Job) setState(s JobState) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

func (j *Job) fail(err error) {
	j.mu.Lock()
	j.state = JobFailed
	j.err = err
	j.mu.Unlock()
}

func (j *Job) skip(err error) {
	j.mu.Lock()
	j.state = JobSkipped
	j.err = err
	j.mu.Unlock()
}

// SelectedMedia is what the user chose to acquire.
type SelectedMedia struct {
	VODs    []models.MediaDescriptor
	Lives   []models.MediaDescriptor
	Photos  []models.MediaDescriptor
	Posts   []berriz.BoardPost
	Notices []berriz.BoardPost
}

// Empty reports whether nothing was selected.
func (s SelectedMedia) Empty() bool {
	return len(s.VODs) == 0 && len(s.Lives) == 0 && len(s.Photos) == 0 &&
		len(s.Posts) == 0 && len(s.Notices) == 0
}

// Selector chooses which enumerated items to process. Implemented by the
// CLI; tests and non-interactive runs use SelectAll.
type Selector interface {
	Select(ctx context.Context, cat *berriz.Catalog, posts, notices []berriz.BoardPost) (SelectedMedia, error)
}

// SelectAll takes everything that was enumerated.
type SelectAll struct{}

func (SelectAll) Select(_ context.Context, cat *berriz.Catalog, posts, notices []berriz.BoardPost) (SelectedMedia, error) {
	sel := SelectedMedia{Posts: posts, Notices: notices}
	if cat != nil {
		sel.VODs = cat.VOD
		sel.Lives = cat.Live
		sel.Photos = cat.Photo
	}
	return sel, nil
}

// Renderer produces the HTML persisted next to posts and notices.
// Implemented outside the pipeline; RawRenderer is the fallback.
type Renderer interface {
	RenderPost(post berriz.BoardPost, translations berriz.Translations) ([]byte, error)
	RenderNotice(notice *berriz.Notice) ([]byte, error)
}

// RawRenderer wraps the body in a minimal HTML shell.
type RawRenderer struct{}

func (RawRenderer) RenderPost(post berriz.BoardPost, _ berriz.Translations) ([]byte, error) {
	return wrapHTML(post.Title, post.Body), nil
}

func (RawRenderer) RenderNotice(notice *berriz.Notice) ([]byte, error) {
	return wrapHTML(notice.Title, notice.BodyHTML), nil
}

func wrapHTML(title, body string) []byte {
	return []byte("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>" +
		title + "</title></head><body>\n" + body + "\n</body></html>\n")
}

// PublicInfo is the merged metadata of one video item, persisted as JSON
// next to the output file.
type PublicInfo struct {
	MediaID       string    `json:"media_id"`
	Title         string    `json:"title"`
	CommunityName string    `json:"community_name"`
	Artists       []string  `json:"artists"`
	PublishedAt   time.Time `json:"published_at"`
	Thumbnail     string    `json:"thumbnail,omitempty"`
	Duration      int64     `json:"duration_seconds,omitempty"`
	IsDRM         bool      `json:"is_drm"`
}
