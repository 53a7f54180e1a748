package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/berridl/berridl/internal/berriz"
	"github.com/berridl/berridl/internal/models"
	"github.com/berridl/berridl/internal/pathutil"
)

// runPosts processes board posts with bounded concurrency across posts.
func (p *Pipeline) runPosts(ctx context.Context, community *berriz.Community, posts []berriz.BoardPost, opts Options, res *Result) {
	jobs := make([]*Job, 0, len(posts))
	for _, post := range posts {
		job := NewJob(models.MediaDescriptor{
			ID:          post.PostID,
			Type:        models.MediaTypePost,
			CommunityID: community.CommunityID,
			PublishedAt: post.PublishedAt,
			Title:       post.Title,
		})
		res.Jobs = append(res.Jobs, job)
		jobs = append(jobs, job)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range posts {
		post, job := posts[i], jobs[i]
		if p.gate(job, res) {
			continue
		}
		g.Go(func() error {
			if err := p.postSem.Acquire(gctx, 1); err != nil {
				p.finish(job, res, err)
				return nil
			}
			defer p.postSem.Release(1)
			p.finish(job, res, p.processPost(gctx, community, post, opts))
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pipeline) processPost(ctx context.Context, community *berriz.Community, post berriz.BoardPost, opts Options) error {
	dir := p.textDir(community, "board", post.Title, post.PublishedAt)
	if opts.NoDownload {
		return nil
	}

	for i, u := range post.ImageURLs {
		if err := p.fetchFile(ctx, u, filepath.Join(dir, imageFileName(u, i))); err != nil {
			return fmt.Errorf("downloading post image: %w", err)
		}
	}

	translations := berriz.Translations{}
	if !opts.NoJSON {
		for _, lang := range berriz.TranslationLanguages {
			body, err := p.api.Translate(ctx, post.PostID, lang)
			if err != nil {
				p.log.Warn("translation unavailable",
					slog.String("post_id", post.PostID),
					slog.String("lang", lang),
					slog.String("error", err.Error()))
				continue
			}
			if body != "" {
				translations[lang] = body
			}
		}
		data, err := json.MarshalIndent(map[string]any{
			"post_id":      post.PostID,
			"title":        post.Title,
			"body":         post.Body,
			"published_at": post.PublishedAt,
			"translations": translations,
		}, "", "  ")
		if err != nil {
			return err
		}
		if err := writeFileMkdir(filepath.Join(dir, pathutil.Sanitize(post.Title)+".json"), data); err != nil {
			return err
		}
	}

	if !opts.NoHTML {
		html, err := p.renderer.RenderPost(post, translations)
		if err != nil {
			return fmt.Errorf("rendering post: %w", err)
		}
		if err := writeFileMkdir(filepath.Join(dir, pathutil.Sanitize(post.Title)+".html"), html); err != nil {
			return err
		}
	}
	return nil
}

// runNotices processes notices with the same concurrency bound as posts.
func (p *Pipeline) runNotices(ctx context.Context, community *berriz.Community, notices []berriz.BoardPost, opts Options, res *Result) {
	jobs := make([]*Job, 0, len(notices))
	for _, n := range notices {
		job := NewJob(models.MediaDescriptor{
			ID:          n.PostID,
			Type:        models.MediaTypeNotice,
			CommunityID: community.CommunityID,
			PublishedAt: n.PublishedAt,
			Title:       n.Title,
		})
		res.Jobs = append(res.Jobs, job)
		jobs = append(jobs, job)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range notices {
		notice, job := notices[i], jobs[i]
		if p.gate(job, res) {
			continue
		}
		g.Go(func() error {
			if err := p.postSem.Acquire(gctx, 1); err != nil {
				p.finish(job, res, err)
				return nil
			}
			defer p.postSem.Release(1)
			p.finish(job, res, p.processNotice(gctx, community, notice, opts))
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pipeline) processNotice(ctx context.Context, community *berriz.Community, item berriz.BoardPost, opts Options) error {
	detail, err := p.api.NoticeDetail(ctx, item.PostID)
	if err != nil {
		return fmt.Errorf("notice detail: %w", err)
	}
	if opts.NoDownload {
		return nil
	}
	dir := p.textDir(community, "NOTICE", detail.Title, detail.PublishedAt)

	for i, u := range item.ImageURLs {
		if err := p.fetchFile(ctx, u, filepath.Join(dir, imageFileName(u, i))); err != nil {
			return fmt.Errorf("downloading notice image: %w", err)
		}
	}

	if !opts.NoHTML {
		html, err := p.renderer.RenderNotice(detail)
		if err != nil {
			return fmt.Errorf("rendering notice: %w", err)
		}
		if err := writeFileMkdir(filepath.Join(dir, pathutil.Sanitize(detail.Title)+".html"), html); err != nil {
			return err
		}
	}
	if !opts.NoJSON {
		data, err := json.MarshalIndent(detail, "", "  ")
		if err != nil {
			return err
		}
		if err := writeFileMkdir(filepath.Join(dir, pathutil.Sanitize(detail.Title)+".json"), data); err != nil {
			return err
		}
	}
	return nil
}

// textDir is the output directory of post and notice items.
func (p *Pipeline) textDir(community *berriz.Community, kind, title string, published models.Time) string {
	dir := filepath.Join(p.outputRoot(community), kind)
	if p.cfg.Output.NoSubfolder {
		return dir
	}
	folder := pathutil.BuildName(p.cfg.Output.DirTemplate, map[string]string{
		"date":           p.localDate(published),
		"community_name": community.Name,
		"title":          title,
	})
	return filepath.Join(dir, folder)
}
