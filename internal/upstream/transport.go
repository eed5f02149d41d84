package upstream

import (
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpmux/mcpmux/internal/configstore"
)

// NewTransport is the transport factory (C1): it builds the mcp.Transport
// for a server config's declared transport kind, injecting the session id
// and bearer token headers the same way on every request.
func NewTransport(cfg configstore.ServerConfig) (mcp.Transport, error) {
	headers := map[string]string{
		"mcp-protocol-version": "2025-06-18",
	}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.AccessToken != "" {
		headers["Authorization"] = "Bearer " + cfg.AccessToken
	}
	if cfg.SessionID != "" {
		headers["mcp-session-id"] = cfg.SessionID
	}

	switch cfg.Transport {
	case "stdio":
		if strings.TrimSpace(cfg.Command) == "" {
			return nil, errors.New("stdio transport requires a command")
		}
		// #nosec G204 -- cfg.Command is operator-supplied server configuration, not user input.
		cmd := exec.Command(cfg.Command, cfg.Args...)
		return &mcp.CommandTransport{Command: cmd}, nil
	case "sse":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("sse transport requires a url")
		}
		return &mcp.SSEClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: httpClientWithHeaders(headers),
		}, nil
	case "streamable":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("streamable transport requires a url")
		}
		return &mcp.StreamableClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: httpClientWithHeaders(headers),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

func httpClientWithHeaders(headers map[string]string) *http.Client {
	clone := make(map[string]string, len(headers))
	for k, v := range headers {
		if strings.TrimSpace(k) == "" {
			continue
		}
		clone[k] = v
	}
	if len(clone) == 0 {
		return nil
	}
	return &http.Client{
		Transport: &headerRoundTripper{
			base:    http.DefaultTransport,
			headers: clone,
		},
	}
}

type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range h.headers {
		if clone.Header.Get(k) == "" {
			clone.Header.Set(k, v)
		}
	}
	return h.base.RoundTrip(clone)
}
