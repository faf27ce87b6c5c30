// Package motioneye speaks the camera server's HTTP admin API. Requests
// are authenticated by a signature over the canonical path, not by
// headers: each URL carries _username and a sha1 _signature computed from
// the method, path, body and password.
package motioneye

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dermotduffy/rosterd/internal/roster"
)

// DefaultTimeout bounds every admin API request.
const DefaultTimeout = 10 * time.Second

// ClientConfig describes one camera server.
type ClientConfig struct {
	URL      string // base URL, e.g. http://motioneye:8765
	Username string
	Password string
	Timeout  time.Duration
}

// Client is an HTTP client for one camera server.
type Client struct {
	baseURL    *url.URL
	username   string
	password   string
	httpClient *http.Client
}

// NewClient creates a client. It does not contact the server.
func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing server url %q: %w", cfg.URL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("server url %q must include scheme and host", cfg.URL)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:  base,
		username: cfg.Username,
		password: cfg.Password,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Login probes the configured credentials. A rejection wraps
// roster.ErrAuth; unreachable servers wrap roster.ErrConnection.
func (c *Client) Login(ctx context.Context) error {
	resp, err := c.get(ctx, "/login")
	if err != nil {
		return err
	}
	resp.Body.Close()

	log.Debug().Str("url", c.baseURL.String()).Msg("Camera server login ok")
	return nil
}

// Cameras fetches the camera roster.
func (c *Client) Cameras(ctx context.Context) ([]Camera, error) {
	resp, err := c.get(ctx, "/config/list")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var list cameraList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("parsing camera list: %w: %w", err, roster.ErrConnection)
	}
	return list.Cameras, nil
}

// SnapshotURL returns the signed URL of a camera's current still frame.
func (c *Client) SnapshotURL(cameraID int) string {
	return c.baseURL.String() + c.signPath("/picture/"+strconv.Itoa(cameraID)+"/current/")
}

// Snapshot fetches a camera's current still frame.
func (c *Client) Snapshot(ctx context.Context, cameraID int) ([]byte, error) {
	resp, err := c.get(ctx, "/picture/"+strconv.Itoa(cameraID)+"/current/")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot for camera %d: %w: %w", cameraID, err, roster.ErrConnection)
	}
	return data, nil
}

// StreamURL returns the camera's MJPEG stream URL, or empty when the
// camera exposes no streaming port.
func (c *Client) StreamURL(camera Camera) string {
	if camera.StreamingPort <= 0 {
		return ""
	}
	host := c.baseURL.Hostname()
	return fmt.Sprintf("http://%s:%d/", host, camera.StreamingPort)
}

// get issues a signed GET and maps the response status onto the error
// taxonomy: 401/403 mean bad credentials, anything else non-200 is
// treated as transient.
func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	u := c.baseURL.String() + c.signPath(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w: %w", path, err, roster.ErrConnection)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		resp.Body.Close()
		return nil, fmt.Errorf("server rejected credentials for %s: %w", path, roster.ErrAuth)
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d for %s: %w", resp.StatusCode, path, roster.ErrConnection)
	}
}

// signPath appends the _username parameter and the request signature to a
// path, returning path?query ready to join to the base URL.
func (c *Client) signPath(path string) string {
	u := url.URL{Path: path}
	q := u.Query()
	q.Set("_username", c.username)
	u.RawQuery = q.Encode()

	signature := computeSignature(http.MethodGet, u.String(), "", c.password)
	q.Set("_signature", signature)
	u.RawQuery = q.Encode()
	return u.String()
}

// computeSignature hashes "{method}:{canonical path}:{body}:{key}" where
// the canonical path has its query parameters sorted and any _signature
// parameter removed.
func computeSignature(method, rawPath, body, key string) string {
	canonical := rawPath
	if u, err := url.Parse(rawPath); err == nil {
		q := u.Query()
		q.Del("_signature")
		u.RawQuery = q.Encode() // Encode sorts keys
		canonical = u.String()
	}
	sum := sha1.Sum([]byte(method + ":" + canonical + ":" + body + ":" + key))
	return hex.EncodeToString(sum[:])
}
