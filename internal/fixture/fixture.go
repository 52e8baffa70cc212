// Package fixture prepares backend state through the application's REST API.
package fixture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xcawolfe-amzn/clickharness/internal/logging"
	"github.com/xcawolfe-amzn/clickharness/internal/util"
)

// ErrUnsupportedMethod is returned by Call for verbs other than GET, POST and DELETE.
var ErrUnsupportedMethod = errors.New("unsupported HTTP method")

// HTTPError is a non-2xx response from the backend.
type HTTPError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Status, body)
}

// RepoConfig describes a repository to create. An empty Path asks the
// server for a temp directory and is filled in by InitRepo.
type RepoConfig struct {
	Path        string `json:"path"`
	Bare        bool   `json:"bare"`
	InitCommits int    `json:"-"`
}

// Client issues fixture requests against one server root URL.
type Client struct {
	base   string
	http   *http.Client
	logger *log.Logger
}

// New creates a client for baseURL, which includes any root path. A nil
// httpClient gets a default client with a cookie jar.
func New(baseURL string, httpClient *http.Client, logger *log.Logger) *Client {
	if httpClient == nil {
		jar, _ := cookiejar.New(nil)
		httpClient = &http.Client{Timeout: 30 * time.Second, Jar: jar}
	}
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   httpClient,
		logger: logging.OrDiscard(logger),
	}
}

// BaseURL returns the root URL requests are made against.
func (c *Client) BaseURL() string {
	return c.base
}

// Call sends method to path with body and decodes the JSON response into out
// when out is non-nil. GET encodes body as query parameters; POST and DELETE
// send it as JSON.
func (c *Client) Call(ctx context.Context, method, path string, body, out any) error {
	method = strings.ToUpper(method)
	target := c.base + path

	var reader io.Reader
	switch method {
	case http.MethodGet:
		if body != nil {
			q, err := queryValues(body)
			if err != nil {
				return fmt.Errorf("encoding query for %s: %w", path, err)
			}
			if enc := q.Encode(); enc != "" {
				target += "?" + enc
			}
		}
	case http.MethodPost, http.MethodDelete:
		if body != nil {
			payload, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("marshaling request: %w", err)
			}
			reader = bytes.NewReader(payload)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Encoding", "utf8")

	c.logger.Debug("fixture request", "method", method, "path", path)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s %s response: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{Method: method, Path: path, Status: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

// queryValues flattens a JSON-encodable value into query parameters.
// Strings are sent verbatim; other values as their JSON text.
func queryValues(body any) (url.Values, error) {
	if v, ok := body.(url.Values); ok {
		return v, nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("query body must be an object: %w", err)
	}
	q := url.Values{}
	for k, v := range fields {
		var s string
		if json.Unmarshal(v, &s) == nil {
			q.Set(k, s)
			continue
		}
		q.Set(k, string(v))
	}
	return q, nil
}

// CreateTempDir asks the server for a fresh temp directory.
func (c *Client) CreateTempDir(ctx context.Context) (string, error) {
	var res struct {
		Path string `json:"path"`
	}
	if err := c.Call(ctx, http.MethodPost, "/api/testing/createtempdir", nil, &res); err != nil {
		return "", fmt.Errorf("creating temp dir: %w", err)
	}
	if res.Path == "" {
		return "", errors.New("creating temp dir: server returned no path")
	}
	return res.Path, nil
}

// CreateTestFile asks the server to create file inside the repository at repoPath.
func (c *Client) CreateTestFile(ctx context.Context, file, repoPath string) error {
	body := map[string]string{"file": file, "path": repoPath}
	if err := c.Call(ctx, http.MethodPost, "/api/testing/createfile", body, nil); err != nil {
		return fmt.Errorf("creating test file %s: %w", file, err)
	}
	return nil
}

// InitRepo prepares cfg.Path and initializes a repository there. A given path
// is wiped and recreated; an empty one is replaced by a server temp dir.
func (c *Client) InitRepo(ctx context.Context, cfg *RepoConfig) error {
	if cfg.Path != "" {
		cfg.Path = util.ExpandHome(cfg.Path)
		if err := util.ResetDir(cfg.Path); err != nil {
			return fmt.Errorf("preparing %s: %w", cfg.Path, err)
		}
	} else {
		c.logger.Info("creating temp folder")
		dir, err := c.CreateTempDir(ctx)
		if err != nil {
			return err
		}
		cfg.Path = dir
	}
	if err := c.Call(ctx, http.MethodPost, "/api/init", cfg, nil); err != nil {
		return fmt.Errorf("initializing repo %s: %w", cfg.Path, err)
	}
	return nil
}

// CreateCommits makes limit commits in the repository, each adding one file
// named testy<n>. A non-positive limit does nothing.
func (c *Client) CreateCommits(ctx context.Context, cfg *RepoConfig, limit int) error {
	for n := 0; n < limit; n++ {
		name := fmt.Sprintf("testy%d", n)
		if err := c.CreateTestFile(ctx, cfg.Path+"/"+name, cfg.Path); err != nil {
			return err
		}
		body := map[string]any{
			"path":    cfg.Path,
			"message": fmt.Sprintf("Init Commit %d", n),
			"files":   []map[string]string{{"name": name}},
		}
		if err := c.Call(ctx, http.MethodPost, "/api/commit", body, nil); err != nil {
			return fmt.Errorf("commit %d in %s: %w", n, cfg.Path, err)
		}
	}
	return nil
}

// CreateRepos initializes each repository and its initial commits in order,
// returning the resulting paths.
func (c *Client) CreateRepos(ctx context.Context, cfgs []*RepoConfig) ([]string, error) {
	paths := make([]string, 0, len(cfgs))
	for _, cfg := range cfgs {
		if err := c.InitRepo(ctx, cfg); err != nil {
			return paths, err
		}
		if err := c.CreateCommits(ctx, cfg, cfg.InitCommits); err != nil {
			return paths, err
		}
		paths = append(paths, cfg.Path)
	}
	return paths, nil
}

// Cleanup asks the server to remove everything the testing endpoints created.
func (c *Client) Cleanup(ctx context.Context) error {
	return c.Call(ctx, http.MethodPost, "/api/testing/cleanup", nil, nil)
}

// PathExists reports whether path exists on the server host.
func (c *Client) PathExists(ctx context.Context, path string) (bool, error) {
	var exists bool
	if err := c.Call(ctx, http.MethodGet, "/api/fs/exists", map[string]string{"path": path}, &exists); err != nil {
		return false, err
	}
	return exists, nil
}

// Remote is a configured git remote.
type Remote struct {
	Address string `json:"address"`
}

// RemoteOrigin returns the origin remote of the repository at path.
func (c *Client) RemoteOrigin(ctx context.Context, path string) (*Remote, error) {
	var r Remote
	if err := c.Call(ctx, http.MethodGet, "/api/remotes/origin", map[string]string{"path": path}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

var credentialsRE = regexp.MustCompile(`//.*?@`)

// MaskCredentials hides the userinfo part of a remote address.
func MaskCredentials(address string) string {
	return credentialsRE.ReplaceAllString(address, "//***@")
}
