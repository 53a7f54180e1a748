// Package auth manages the platform session: the on-disk cookie jar, the
// token side-car cache, JWT refresh, and the PKCE login flow.
package auth

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

// Cookie names carrying the session tokens.
const (
	CookieAccessToken  = "bz_a"
	CookieRefreshToken = "bz_r"
	CookiePCID         = "pcid"
)

// Cookie is one Netscape-format cookie line.
type Cookie struct {
	Domain     string
	IncludeSub bool
	Path       string
	Secure     bool
	Expiry     int64
	Name       string
	Value      string
}

// TokenCache is the JSON side-car holding the hot session tokens.
// It is authoritative during a run; the Netscape file is authoritative
// across runs.
type TokenCache struct {
	AccessToken  string  `json:"bz_a"`
	RefreshToken string  `json:"bz_r"`
	PCID         string  `json:"pcid"`
	RefreshTime  float64 `json:"refresh_time"` // unix seconds of the next scheduled refresh
}

// cacheFile is the side-car document shape.
type cacheFile struct {
	CacheCookie TokenCache `json:"cache_cookie"`
}

// Store persists the Netscape cookie file and the JSON side-car.
// All writes go through write-to-temp-then-atomic-rename; a process-wide
// mutex serializes writers.
type Store struct {
	netscapePath string
	cachePath    string
}

// storeMu serializes all cookie/cache writers in the process.
var storeMu sync.Mutex

// NewStore creates a store rooted at dir. The layout matches the original
// state directory: <dir>/Berriz/default.txt and <dir>/cookie_temp.json.
func NewStore(dir string) *Store {
	return &Store{
		netscapePath: filepath.Join(dir, "Berriz", "default.txt"),
		cachePath:    filepath.Join(dir, "cookie_temp.json"),
	}
}

// NetscapePath returns the cookie jar path.
func (s *Store) NetscapePath() string { return s.netscapePath }

// LoadCookies reads the Netscape-format cookie file. A missing file yields
// an empty jar, not an error.
func (s *Store) LoadCookies() ([]Cookie, error) {
	f, err := os.Open(s.netscapePath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening cookie file: %w", err)
	}
	defer f.Close()

	var cookies []Cookie
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 7 {
			continue
		}
		expiry, _ := strconv.ParseInt(fields[4], 10, 64)
		cookies = append(cookies, Cookie{
			Domain:     fields[0],
			IncludeSub: strings.EqualFold(fields[1], "TRUE"),
			Path:       fields[2],
			Secure:     strings.EqualFold(fields[3], "TRUE"),
			Expiry:     expiry,
			Name:       fields[5],
			Value:      fields[6],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading cookie file: %w", err)
	}
	return cookies, nil
}

// SaveCookies atomically rewrites the Netscape cookie file.
func (s *Store) SaveCookies(cookies []Cookie) error {
	storeMu.Lock()
	defer storeMu.Unlock()
	return s.saveCookiesLocked(cookies)
}

func (s *Store) saveCookiesLocked(cookies []Cookie) error {
	if err := os.MkdirAll(filepath.Dir(s.netscapePath), 0o755); err != nil {
		return fmt.Errorf("creating cookie directory: %w", err)
	}

	var b strings.Builder
	b.WriteString("# Netscape HTTP Cookie File\n")
	for _, c := range cookies {
		b.WriteString(strings.Join([]string{
			c.Domain,
			boolUpper(c.IncludeSub),
			c.Path,
			boolUpper(c.Secure),
			strconv.FormatInt(c.Expiry, 10),
			c.Name,
			c.Value,
		}, "\t"))
		b.WriteByte('\n')
	}

	if err := renameio.WriteFile(s.netscapePath, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("writing cookie file: %w", err)
	}
	return nil
}

// LoadCache reads the JSON side-car. A missing file yields a zero cache.
func (s *Store) LoadCache() (*TokenCache, error) {
	data, err := os.ReadFile(s.cachePath)
	if os.IsNotExist(err) {
		return &TokenCache{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading token cache: %w", err)
	}

	var doc cacheFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding token cache: %w", err)
	}
	return &doc.CacheCookie, nil
}

// SaveCache atomically rewrites the JSON side-car.
func (s *Store) SaveCache(cache *TokenCache) error {
	storeMu.Lock()
	defer storeMu.Unlock()
	return s.saveCacheLocked(cache)
}

func (s *Store) saveCacheLocked(cache *TokenCache) error {
	if err := os.MkdirAll(filepath.Dir(s.cachePath), 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	data, err := json.MarshalIndent(cacheFile{CacheCookie: *cache}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding token cache: %w", err)
	}
	if err := renameio.WriteFile(s.cachePath, data, 0o600); err != nil {
		return fmt.Errorf("writing token cache: %w", err)
	}
	return nil
}

// UpdateTokens rewrites the token cookies in the Netscape file in place
// (preserving unrelated entries) and saves the side-car, under one lock so
// both files always agree.
func (s *Store) UpdateTokens(accessToken, refreshToken string, refreshAt time.Time) error {
	storeMu.Lock()
	defer storeMu.Unlock()

	cookies, err := s.LoadCookies()
	if err != nil {
		return err
	}

	cache, err := s.LoadCache()
	if err != nil {
		return err
	}

	expiry := refreshAt.Add(30 * 24 * time.Hour).Unix()
	cookies = upsertCookie(cookies, CookieAccessToken, accessToken, expiry)
	if refreshToken != "" {
		cookies = upsertCookie(cookies, CookieRefreshToken, refreshToken, expiry)
		cache.RefreshToken = refreshToken
	}
	if cache.PCID == "" {
		// First session on this machine: mint the device id the service
		// expects alongside the token cookies.
		cache.PCID = uuid.NewString()
	}
	cookies = upsertCookie(cookies, CookiePCID, cache.PCID, expiry)

	cache.AccessToken = accessToken
	cache.RefreshTime = float64(refreshAt.Unix())

	if err := s.saveCookiesLocked(cookies); err != nil {
		return err
	}
	return s.saveCacheLocked(cache)
}

// CookieHeader renders the jar as a Cookie request header value.
func (s *Store) CookieHeader() (string, error) {
	cookies, err := s.LoadCookies()
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(cookies))
	now := time.Now().Unix()
	for _, c := range cookies {
		if c.Expiry != 0 && c.Expiry < now {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; "), nil
}

// upsertCookie replaces the named cookie's value, appending a default-domain
// entry when absent.
func upsertCookie(cookies []Cookie, name, value string, expiry int64) []Cookie {
	for i := range cookies {
		if cookies[i].Name == name {
			cookies[i].Value = value
			cookies[i].Expiry = expiry
			return cookies
		}
	}
	return append(cookies, Cookie{
		Domain:     ".berriz.in",
		IncludeSub: true,
		Path:       "/",
		Secure:     true,
		Expiry:     expiry,
		Name:       name,
		Value:      value,
	})
}

func boolUpper(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}
