package berriz

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/renameio/v2"

	"github.com/berridl/berridl/internal/observability"
)

// Static cache file names under the resolver's directory.
const (
	communityKeysFile = "community_keys.json"
	communityNameFile = "community_name.json"
	artistKeysFile    = "artis_keys.json"
)

// CommunityResolver maps community names to IDs, caching the mapping in
// JSON files so repeated runs avoid the list endpoint.
type CommunityResolver struct {
	api *Client
	dir string // e.g. ./static
	log *slog.Logger
}

// NewCommunityResolver creates a resolver caching under dir.
func NewCommunityResolver(api *Client, dir string, log *slog.Logger) *CommunityResolver {
	return &CommunityResolver{
		api: api,
		dir: dir,
		log: observability.WithComponent(log, "community"),
	}
}

// Resolve returns the community matching name, case-insensitively, by key
// or display name. The static cache is consulted first; a miss refreshes
// it from the list endpoint before failing.
func (r *CommunityResolver) Resolve(ctx context.Context, name string) (*Community, error) {
	if cached, err := r.loadCache(); err == nil {
		if c := match(cached, name); c != nil {
			return c, nil
		}
	}

	communities, err := r.refresh(ctx)
	if err != nil {
		return nil, err
	}
	if c := match(communities, name); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("unknown community %q", name)
}

// ResolveID returns the community with the given ID, refreshing the cache
// on a miss.
func (r *CommunityResolver) ResolveID(ctx context.Context, id int64) (*Community, error) {
	if cached, err := r.loadCache(); err == nil {
		for i := range cached {
			if cached[i].CommunityID == id {
				return &cached[i], nil
			}
		}
	}

	communities, err := r.refresh(ctx)
	if err != nil {
		return nil, err
	}
	for i := range communities {
		if communities[i].CommunityID == id {
			return &communities[i], nil
		}
	}
	return nil, fmt.Errorf("unknown community id %d", id)
}

// ArtistNames returns the cached artist names of a community. The cache
// file is written by callers that learned the names from media metadata.
func (r *CommunityResolver) ArtistNames(communityID int64) []string {
	data, err := os.ReadFile(filepath.Join(r.dir, artistKeysFile))
	if err != nil {
		return nil
	}
	var byID map[string][]string
	if err := json.Unmarshal(data, &byID); err != nil {
		return nil
	}
	return byID[fmt.Sprint(communityID)]
}

// StoreArtistNames records artist names for a community in the static cache.
func (r *CommunityResolver) StoreArtistNames(communityID int64, names []string) error {
	path := filepath.Join(r.dir, artistKeysFile)
	byID := map[string][]string{}
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &byID)
	}
	byID[fmt.Sprint(communityID)] = names

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(byID, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0o644)
}

// refresh fetches the community list and rewrites both cache files.
func (r *CommunityResolver) refresh(ctx context.Context) ([]Community, error) {
	communities, err := r.api.Communities(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.saveCache(communities); err != nil {
		r.log.Warn("persisting community cache failed", slog.String("error", err.Error()))
	}
	return communities, nil
}

func (r *CommunityResolver) loadCache() ([]Community, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, communityKeysFile))
	if err != nil {
		return nil, err
	}
	var communities []Community
	if err := json.Unmarshal(data, &communities); err != nil {
		return nil, err
	}
	if len(communities) == 0 {
		return nil, fmt.Errorf("empty community cache")
	}
	return communities, nil
}

// saveCache writes community_keys.json (full entries) and
// community_name.json (id to display name).
func (r *CommunityResolver) saveCache(communities []Community) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(communities, "", "  ")
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(filepath.Join(r.dir, communityKeysFile), data, 0o644); err != nil {
		return err
	}

	names := make(map[string]string, len(communities))
	for _, c := range communities {
		names[fmt.Sprint(c.CommunityID)] = c.Name
	}
	data, err = json.MarshalIndent(names, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(r.dir, communityNameFile), data, 0o644)
}

func match(communities []Community, name string) *Community {
	for i := range communities {
		if strings.EqualFold(communities[i].Key, name) || strings.EqualFold(communities[i].Name, name) {
			return &communities[i]
		}
	}
	return nil
}
