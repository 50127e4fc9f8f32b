package coord

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/and161185/goph-auth/internal/envelope"
	"github.com/and161185/goph-auth/internal/errs"
)

// Endpoint is the control surface every sibling exposes.
type Endpoint interface {
	// IsAlive returns the config version the sibling loaded.
	IsAlive(ctx context.Context) (int64, error)
	// PID returns the sibling's process id.
	PID(ctx context.Context) (int, error)
	// ConfigUpdate asks the sibling to exit so it restarts with fresh config.
	ConfigUpdate(ctx context.Context) error
}

// HTTPEndpoint reaches a sibling's HTTP control routes.
type HTTPEndpoint struct {
	base string
	c    *http.Client
}

var _ Endpoint = (*HTTPEndpoint)(nil)

// NewHTTPEndpoint targets base, e.g. "http://127.0.0.1:16201".
func NewHTTPEndpoint(base string, c *http.Client) *HTTPEndpoint {
	if c == nil {
		c = http.DefaultClient
	}
	return &HTTPEndpoint{base: strings.TrimRight(base, "/"), c: c}
}

func (e *HTTPEndpoint) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, e.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := e.c.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, path, errs.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if err := envelope.Decode(resp.Body, out); err != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, err)
	}
	return nil
}

// IsAlive calls GET /is_alive.
func (e *HTTPEndpoint) IsAlive(ctx context.Context) (int64, error) {
	var out struct {
		Alive   bool  `json:"alive"`
		Version int64 `json:"version"`
	}
	if err := e.do(ctx, http.MethodGet, "/is_alive", &out); err != nil {
		return 0, err
	}
	if !out.Alive {
		return 0, errs.ErrUpstreamUnavailable
	}
	return out.Version, nil
}

// PID calls GET /pid.
func (e *HTTPEndpoint) PID(ctx context.Context) (int, error) {
	var out struct {
		PID int `json:"pid"`
	}
	if err := e.do(ctx, http.MethodGet, "/pid", &out); err != nil {
		return 0, err
	}
	return out.PID, nil
}

// ConfigUpdate calls POST /config_update.
func (e *HTTPEndpoint) ConfigUpdate(ctx context.Context) error {
	return e.do(ctx, http.MethodPost, "/config_update", nil)
}
