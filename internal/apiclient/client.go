package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pagehook/internal/types"
)

// Session endpoints never go through the refresh coordinator: a 401 from
// them is final.
const (
	PathLogin   = "/auth/login"
	PathRefresh = "/auth/refresh"
	PathLogout  = "/auth/logout"
)

var bypassPaths = map[string]struct{}{
	PathLogin:   {},
	PathRefresh: {},
	PathLogout:  {},
}

// maxErrorBody bounds how much of a 401 body is read to find the error code.
const maxErrorBody = 64 << 10

// Doer sends a single HTTP request. *Transport and *http.Client implement it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client sends authenticated requests to the API.
type Client struct {
	baseURL     *url.URL
	doer        Doer
	store       CredentialStore
	coordinator *RefreshCoordinator
	refreshFn   RefreshFunc
	logger      *slog.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithRefreshFunc replaces the default POST /auth/refresh exchange.
func WithRefreshFunc(fn RefreshFunc) ClientOption {
	return func(c *Client) { c.refreshFn = fn }
}

// WithCoordinator shares a coordinator between clients of one credential.
func WithCoordinator(rc *RefreshCoordinator) ClientOption {
	return func(c *Client) { c.coordinator = rc }
}

// NewClient creates a Client for the API at baseURL.
func NewClient(baseURL string, doer Doer, store CredentialStore, logger *slog.Logger, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("apiclient: invalid base URL %q", baseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:     u,
		doer:        doer,
		store:       store,
		coordinator: NewRefreshCoordinator(0),
		logger:      logger,
	}
	c.refreshFn = c.exchangeRefreshToken
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewRequest builds a request for path relative to the base URL. body, when
// non-nil, is encoded as JSON.
func (c *Client) NewRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// Do sends req with the current bearer credential. When the API answers 401
// with auth_token_expired, Do waits for the shared refresh and re-issues the
// request exactly once; whatever the second attempt returns is final. If the
// refresh fails the stored credential is cleared and
// ErrReauthenticationRequired is returned.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	body, err := snapshotBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(req, body, c.store.Get())
	if err != nil {
		return nil, err
	}
	if c.bypass(req) || !isTokenExpired(resp) {
		return resp, nil
	}

	ctx := req.Context()
	c.logger.InfoContext(ctx, "access token expired, awaiting refresh", "path", req.URL.Path)

	cred, err := c.coordinator.GetOrStartRefresh(ctx, c.refresh)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrReauthenticationRequired, err)
	}

	return c.send(req, body, cred)
}

func (c *Client) send(req *http.Request, body []byte, cred Credential) (*http.Response, error) {
	rewindBody(req, body)
	if cred.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	} else {
		req.Header.Del("Authorization")
	}
	return c.doer.Do(req)
}

// refresh runs inside the coordinator, once per refresh cycle. It owns the
// store update so waiters never race on it.
func (c *Client) refresh(ctx context.Context) (Credential, error) {
	cred, err := c.refreshFn(ctx)
	if err == nil && cred.IsZero() {
		err = errors.New("refresh returned no access token")
	}
	if err != nil {
		c.store.Clear()
		c.logger.WarnContext(ctx, "credential refresh failed, reauthentication required", "error", err)
		return Credential{}, err
	}
	c.store.Set(cred)
	c.logger.InfoContext(ctx, "credential refreshed")
	return cred, nil
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// exchangeRefreshToken is the default RefreshFunc: POST /auth/refresh.
func (c *Client) exchangeRefreshToken(ctx context.Context) (Credential, error) {
	current := c.store.Get()
	if current.RefreshToken == "" {
		return Credential{}, errors.New("no refresh token")
	}

	req, err := c.NewRequest(ctx, http.MethodPost, PathRefresh, refreshRequest{RefreshToken: current.RefreshToken})
	if err != nil {
		return Credential{}, err
	}
	resp, err := c.doer.Do(req)
	if err != nil {
		return Credential{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Credential{}, fmt.Errorf("refresh returned %d", resp.StatusCode)
	}
	var out refreshResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&out); err != nil {
		return Credential{}, fmt.Errorf("decode refresh response: %w", err)
	}

	cred := Credential{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}
	if cred.RefreshToken == "" {
		cred.RefreshToken = current.RefreshToken
	}
	if out.ExpiresIn > 0 {
		cred.ExpiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	return cred, nil
}

func (c *Client) bypass(req *http.Request) bool {
	path := strings.TrimPrefix(req.URL.Path, c.baseURL.Path)
	_, ok := bypassPaths[path]
	return ok
}

type errorBody struct {
	Error struct {
		Code string `json:"code"`
	} `json:"error"`
}

// isTokenExpired reports a 401 carrying auth_token_expired. The body is
// restored so the caller can still read it.
func isTokenExpired(resp *http.Response) bool {
	if resp.StatusCode != http.StatusUnauthorized {
		return false
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil {
		return false
	}
	var eb errorBody
	if json.Unmarshal(data, &eb) != nil {
		return false
	}
	if eb.Error.Code == string(types.ErrCodeAuthTokenExpired) {
		// The retried response replaces this one.
		resp.Body.Close()
		return true
	}
	return false
}
