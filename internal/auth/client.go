package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/berridl/berridl/internal/config"
	"github.com/berridl/berridl/internal/models"
	"github.com/berridl/berridl/internal/observability"
)

// Session constants dictated by the account service.
const (
	accessTokenLength     = 598
	minRefreshTokenLength = 80
	authKeyLength         = 30
	verifierLength        = 21

	refreshInterval    = 50 * time.Minute
	refreshEarlyWindow = 60 * time.Second

	maxRecoveryAttempts = 5

	defaultClientID = "bd24bdde-0cf1-4b5c-8ee1-e14a7b5dca2b"
)

// Routes holds the account service endpoints. Zero values fall back to the
// production hosts.
type Routes struct {
	AccountBase string // e.g. https://account.berriz.in/auth/v1.0
	TokenHost   string // host of the post-authorize redirect
	RedirectURI string
	ClientID    string
}

func (r *Routes) applyDefaults() {
	if r.AccountBase == "" {
		r.AccountBase = "https://account.berriz.in/auth/v1.0"
	}
	if r.TokenHost == "" {
		r.TokenHost = "berriz.in"
	}
	if r.RedirectURI == "" {
		r.RedirectURI = "https://berriz.in/auth/token"
	}
	if r.ClientID == "" {
		r.ClientID = defaultClientID
	}
}

// UnbanHandler is the external collaborator invoked when the account service
// reports a suspended account during login.
type UnbanHandler interface {
	Unban(ctx context.Context, email string) error
}

// SessionState tracks where the client sits in the recovery state machine.
type SessionState int

const (
	StateAuthed SessionState = iota
	StateRefreshing
	StateLogin
	StateTerminal
)

func (s SessionState) String() string {
	switch s {
	case StateAuthed:
		return "authed"
	case StateRefreshing:
		return "refreshing"
	case StateLogin:
		return "login"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Client owns the session lifecycle: scheduled refresh, forced recovery
// after 401/403, and the full PKCE login when the refresh token dies.
// It implements httpclient.TokenSource.
type Client struct {
	store  *Store
	creds  config.CredentialsConfig
	routes Routes
	unban  UnbanHandler
	http   *http.Client
	ua     string
	log    *slog.Logger

	mu    sync.Mutex
	state SessionState
}

// NewClient creates a session client over the given store. unban may be nil,
// in which case a suspended account is a fatal login error.
func NewClient(store *Store, creds config.CredentialsConfig, routes Routes, ua string, unban UnbanHandler, log *slog.Logger) *Client {
	routes.applyDefaults()
	return &Client{
		store:  store,
		creds:  creds,
		routes: routes,
		unban:  unban,
		ua:     ua,
		log:    observability.WithComponent(log, "auth"),
		// The PKCE flow inspects the authorize redirect itself, so the
		// client must not follow it.
		http: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		state: StateAuthed,
	}
}

// State returns the current session state.
func (c *Client) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CookieHeader implements httpclient.TokenSource. It ensures the session is
// fresh before rendering the jar.
func (c *Client) CookieHeader(ctx context.Context) (string, error) {
	if err := c.EnsureSession(ctx); err != nil {
		return "", err
	}
	return c.store.CookieHeader()
}

// Recover implements httpclient.TokenSource. A 401/403 means the access
// token died early, so refresh unconditionally.
func (c *Client) Recover(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recoverLocked(ctx)
}

// EnsureSession refreshes the access token when the scheduled refresh time
// is within 60 seconds of now, or when no valid token is on disk.
func (c *Client) EnsureSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateTerminal {
		return models.ErrAuthFatal
	}

	cache, err := c.store.LoadCache()
	if err != nil {
		return err
	}

	if cache.AccessToken != "" {
		due := time.Unix(int64(cache.RefreshTime), 0)
		if time.Until(due) > refreshEarlyWindow && !tokenExpiringSoon(cache.AccessToken) {
			return nil
		}
	}

	return c.recoverLocked(ctx)
}

// recoverLocked walks the state machine: refresh, then full login when the
// refresh token is rejected. Transient failures are retried up to
// maxRecoveryAttempts before the session is declared terminal.
func (c *Client) recoverLocked(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= maxRecoveryAttempts; attempt++ {
		c.state = StateRefreshing
		if _, err := c.refreshLocked(ctx); err == nil {
			c.state = StateAuthed
			return nil
		} else if models.IsCode(err, models.CodeRefreshTokenInvalid) {
			c.log.Warn("refresh token rejected, falling back to login")
			c.state = StateLogin
			if lerr := c.loginLocked(ctx); lerr == nil {
				c.state = StateAuthed
				return nil
			} else {
				lastErr = lerr
			}
		} else {
			lastErr = err
		}
		c.log.Warn("session recovery attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()))
	}

	c.state = StateTerminal
	return fmt.Errorf("%w: %v", models.ErrAuthFatal, lastErr)
}

// Refresh forces a token refresh regardless of schedule.
func (c *Client) Refresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(ctx)
}

func (c *Client) refreshLocked(ctx context.Context) (string, error) {
	cookie, err := c.store.CookieHeader()
	if err != nil {
		return "", err
	}

	var data struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	err = c.call(ctx, http.MethodPost, c.routes.AccountBase+"/token:refresh",
		map[string]string{"clientId": c.routes.ClientID}, cookie, &data)
	if err != nil {
		return "", err
	}

	if len(data.AccessToken) != accessTokenLength {
		return "", fmt.Errorf("refresh returned malformed access token (%d chars)", len(data.AccessToken))
	}

	refreshAt := time.Now().Add(refreshInterval)
	if err := c.store.UpdateTokens(data.AccessToken, data.RefreshToken, refreshAt); err != nil {
		return "", err
	}

	c.log.Info("access token refreshed",
		slog.Time("next_refresh", refreshAt))
	return data.AccessToken, nil
}

// LoginWithPassword runs the full PKCE flow with the configured credentials.
func (c *Client) LoginWithPassword(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) error {
	email, password := c.creds.Account, c.creds.Password
	if email == "" || password == "" {
		return fmt.Errorf("%w: no credentials configured", models.ErrAuthFatal)
	}

	verifier, err := randomURLToken(verifierLength)
	if err != nil {
		return err
	}
	state, err := randomURLToken(verifierLength)
	if err != nil {
		return err
	}
	sum := sha256.Sum256([]byte(verifier))
	challenge := hex.EncodeToString(sum[:])

	if err := c.validateEmail(ctx, email); err != nil {
		return err
	}

	authorizeKey, err := c.authorizeInit(ctx, challenge, state)
	if err != nil {
		return err
	}

	authenticateKey, err := c.authenticate(ctx, email, password, authorizeKey, challenge, state)
	if err != nil {
		return err
	}

	code, err := c.authorizeCode(ctx, authenticateKey, state)
	if err != nil {
		return err
	}

	access, refresh, err := c.issueToken(ctx, code, verifier)
	if err != nil {
		return err
	}

	if err := c.store.UpdateTokens(access, refresh, time.Now().Add(refreshInterval)); err != nil {
		return err
	}

	c.log.Info("login succeeded", slog.String("account", email))
	return nil
}

// validateEmail checks the account exists, routing a suspended account
// through the unban collaborator once.
func (c *Client) validateEmail(ctx context.Context, email string) error {
	err := c.call(ctx, http.MethodPost, c.routes.AccountBase+"/email:validate",
		map[string]string{"email": email}, "", nil)
	if err == nil {
		return nil
	}
	if !models.IsCode(err, models.CodeAccountSuspended) {
		return err
	}
	if c.unban == nil {
		return fmt.Errorf("account suspended and no unban handler: %w", err)
	}
	c.log.Warn("account suspended, invoking unban flow", slog.String("account", email))
	if uerr := c.unban.Unban(ctx, email); uerr != nil {
		return fmt.Errorf("unban flow failed: %w", uerr)
	}
	return c.call(ctx, http.MethodPost, c.routes.AccountBase+"/email:validate",
		map[string]string{"email": email}, "", nil)
}

func (c *Client) authorizeInit(ctx context.Context, challenge, state string) (string, error) {
	var data struct {
		AuthorizeKey string `json:"authorizeKey"`
	}
	err := c.call(ctx, http.MethodPost, c.routes.AccountBase+"/authorize:init", map[string]string{
		"clientId":    c.routes.ClientID,
		"challenge":   challenge,
		"state":       state,
		"redirectUri": c.routes.RedirectURI,
	}, "", &data)
	if err != nil {
		return "", err
	}
	if len(data.AuthorizeKey) != authKeyLength {
		return "", fmt.Errorf("authorize:init returned malformed key (%d chars)", len(data.AuthorizeKey))
	}
	return data.AuthorizeKey, nil
}

func (c *Client) authenticate(ctx context.Context, email, password, authorizeKey, challenge, state string) (string, error) {
	var data struct {
		AuthenticateKey string `json:"authenticateKey"`
	}
	err := c.call(ctx, http.MethodPost, c.routes.AccountBase+"/authenticate", map[string]string{
		"email":        email,
		"password":     password,
		"authorizeKey": authorizeKey,
		"challenge":    challenge,
		"state":        state,
	}, "", &data)
	if err != nil {
		return "", err
	}
	if len(data.AuthenticateKey) != authKeyLength {
		return "", fmt.Errorf("authenticate returned malformed key (%d chars)", len(data.AuthenticateKey))
	}
	return data.AuthenticateKey, nil
}

// authorizeCode performs the redirect leg and extracts the authorization
// code from the Location header.
func (c *Client) authorizeCode(ctx context.Context, authenticateKey, state string) (string, error) {
	q := url.Values{}
	q.Set("authenticateKey", authenticateKey)
	q.Set("state", state)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.routes.AccountBase+"/authorize?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", c.ua)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("authorize request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	location := resp.Header.Get("Location")
	prefix := c.routes.RedirectURI + "?code="
	if !strings.HasPrefix(location, prefix) {
		return "", fmt.Errorf("authorize redirect missing code (location %q)", location)
	}
	code := strings.TrimPrefix(location, prefix)
	if idx := strings.IndexByte(code, '&'); idx >= 0 {
		code = code[:idx]
	}
	if len(code) != authKeyLength {
		return "", fmt.Errorf("authorize returned malformed code (%d chars)", len(code))
	}
	return code, nil
}

func (c *Client) issueToken(ctx context.Context, code, verifier string) (access, refresh string, err error) {
	var data struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	err = c.call(ctx, http.MethodPost, c.routes.AccountBase+"/token:issue", map[string]string{
		"code":     code,
		"verifier": verifier,
		"clientId": c.routes.ClientID,
	}, "", &data)
	if err != nil {
		return "", "", err
	}
	if len(data.AccessToken) != accessTokenLength {
		return "", "", fmt.Errorf("token:issue returned malformed access token (%d chars)", len(data.AccessToken))
	}
	if len(data.RefreshToken) < minRefreshTokenLength {
		return "", "", fmt.Errorf("token:issue returned malformed refresh token (%d chars)", len(data.RefreshToken))
	}
	return data.AccessToken, data.RefreshToken, nil
}

// call POSTs (or GETs) JSON to the account service and decodes the standard
// envelope, mapping code != "0000" to a models.APIError.
func (c *Client) call(ctx context.Context, method, endpoint string, body map[string]string, cookie string, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", c.ua)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("account service request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading account service response: %w", err)
	}

	var env struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("account service returned non-JSON (status %d): %w", resp.StatusCode, err)
	}
	if env.Code != models.CodeOK {
		return models.NewAPIError(env.Code, env.Message)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decoding account service data: %w", err)
		}
	}
	return nil
}

// tokenExpiringSoon reports whether the JWT's exp claim falls within the
// early-refresh window. Unparseable tokens count as expiring.
func tokenExpiringSoon(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return time.Until(exp.Time) <= refreshEarlyWindow
}

// randomURLToken returns n characters of base64url-encoded randomness.
func randomURLToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating random token: %w", err)
	}
	s := base64.RawURLEncoding.EncodeToString(buf)
	if len(s) < n {
		return "", errors.New("short random token")
	}
	return s[:n], nil
}
