package httpclient

import (
	"bufio"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/berridl/berridl/internal/config"
)

// proxyCacheSize bounds the LRU cache of loaded proxy list files.
const proxyCacheSize = 4

// ProxyRotator picks an outbound proxy per request, either randomly from a
// loaded proxy list or from a fixed http/https pair. A 401/403 retry goes
// out through a fresh pick.
type ProxyRotator struct {
	cfg   config.ProxyConfig
	cache *proxyListCache

	mu    sync.Mutex
	fixed map[string]*url.URL // scheme -> proxy URL
}

// NewProxyRotator creates a rotator from proxy configuration.
// Returns nil when proxying is disabled, which callers treat as "no proxy".
func NewProxyRotator(cfg config.ProxyConfig) (*ProxyRotator, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	r := &ProxyRotator{
		cfg:   cfg,
		cache: newProxyListCache(proxyCacheSize),
		fixed: make(map[string]*url.URL),
	}

	if !cfg.UseProxyList {
		for scheme, raw := range map[string]string{"http": cfg.HTTP, "https": cfg.HTTPS} {
			if raw == "" {
				continue
			}
			u, err := url.Parse(ensureScheme(raw))
			if err != nil {
				return nil, fmt.Errorf("parsing %s proxy: %w", scheme, err)
			}
			r.fixed[scheme] = u
		}
	}

	return r, nil
}

// ProxyFunc returns a function suitable for http.Transport.Proxy.
// Each call picks anew, so every request (including retries) may go out
// through a different list entry.
func (r *ProxyRotator) ProxyFunc() func(*http.Request) (*url.URL, error) {
	if r == nil {
		return nil
	}
	return func(req *http.Request) (*url.URL, error) {
		return r.Pick(req.URL.Scheme)
	}
}

// Pick returns the proxy to use for the given target scheme.
func (r *ProxyRotator) Pick(scheme string) (*url.URL, error) {
	if r.cfg.UseProxyList {
		lines, err := r.cache.load(r.cfg.ProxyListFile)
		if err != nil {
			return nil, err
		}
		if len(lines) == 0 {
			return nil, nil
		}
		raw := lines[rand.Intn(len(lines))]
		u, err := url.Parse(ensureScheme(raw))
		if err != nil {
			return nil, fmt.Errorf("parsing proxy line: %w", err)
		}
		return u, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.fixed[scheme]; ok {
		return u, nil
	}
	// Fall back to the http entry for any scheme.
	return r.fixed["http"], nil
}

// ensureScheme defaults bare host:port proxy entries to http.
func ensureScheme(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		return "http://" + raw
	}
	return raw
}

// proxyListCache is a small LRU of proxy list files, keyed by path.
type proxyListCache struct {
	mu       sync.Mutex
	capacity int
	order    []string
	entries  map[string][]string
}

func newProxyListCache(capacity int) *proxyListCache {
	return &proxyListCache{
		capacity: capacity,
		entries:  make(map[string][]string),
	}
}

// load returns the non-empty lines of a proxy list file, reading the file
// only on cache miss and evicting the least recently used entry when full.
func (c *proxyListCache) load(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("proxy list file not configured")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if lines, ok := c.entries[path]; ok {
		c.touch(path)
		return lines, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening proxy list: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading proxy list: %w", err)
	}

	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[path] = lines
	c.order = append(c.order, path)

	return lines, nil
}

// touch moves path to the most recently used position.
func (c *proxyListCache) touch(path string) {
	for i, p := range c.order {
		if p == path {
			c.order = append(append(c.order[:i:i], c.order[i+1:]...), path)
			return
		}
	}
}
