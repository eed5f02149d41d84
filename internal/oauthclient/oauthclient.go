// Package oauthclient is the default AuthManager collaborator: when an
// upstream MCP server answers with HTTP 401, the dispatcher calls
// InitiateOAuthFlow to obtain an authorization URL to hand back to the
// downstream caller. It never blocks waiting for the user to complete the
// flow; the redirect finishes out-of-band against callbackURL.
package oauthclient

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// Result is what the dispatcher folds into its 401 response to the
// downstream client.
type Result struct {
	Status           string // "authorization_pending" or "error"
	AuthorizationURL string
	State            string
	Error            string
}

// Manager discovers OAuth metadata for an upstream server and builds an
// Authorization Code + PKCE authorization URL.
type Manager interface {
	InitiateOAuthFlow(ctx context.Context, serverName, serverURL, userID, callbackURL string, headers map[string]string) (Result, error)
}

// metadata is the subset of RFC 8414 authorization server metadata mcpmux
// needs to build an authorization URL.
type metadata struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	RegistrationEndpoint  string `json:"registration_endpoint"`
}

// DefaultManager is the reference Manager implementation, backed by
// golang.org/x/oauth2. ClientID/ClientSecret are looked up per server name;
// a server with no registered client falls back to dynamic client
// registration (RFC 7591) when the authorization server advertises a
// registration_endpoint.
type DefaultManager struct {
	HTTPClient *http.Client
	// Credentials maps a server name to a statically configured client id
	// and secret. Servers not present here attempt dynamic registration.
	Credentials map[string]ClientCredentials
}

// ClientCredentials is a statically configured OAuth client for one server.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// NewDefaultManager builds a DefaultManager with the given static
// credentials (may be nil/empty to always use dynamic registration).
func NewDefaultManager(creds map[string]ClientCredentials) *DefaultManager {
	return &DefaultManager{
		HTTPClient:  http.DefaultClient,
		Credentials: creds,
	}
}

func (m *DefaultManager) httpClient() *http.Client {
	if m.HTTPClient != nil {
		return m.HTTPClient
	}
	return http.DefaultClient
}

// InitiateOAuthFlow discovers the server's OAuth metadata, registers a
// client if necessary, and returns an authorization URL for the caller to
// present to the end user. It never exchanges a token itself: that happens
// when callbackURL is hit by the authorization server's redirect.
func (m *DefaultManager) InitiateOAuthFlow(ctx context.Context, serverName, serverURL, userID, callbackURL string, headers map[string]string) (Result, error) {
	meta, err := m.discover(ctx, serverURL)
	if err != nil {
		return Result{}, fmt.Errorf("discover oauth metadata for %s: %w", serverName, err)
	}

	creds := m.Credentials[serverName]
	if creds.ClientID == "" && meta.RegistrationEndpoint != "" {
		creds, err = m.registerClient(ctx, meta, callbackURL, serverName)
		if err != nil {
			return Result{}, fmt.Errorf("dynamic client registration for %s: %w", serverName, err)
		}
	}

	cfg := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  callbackURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:  meta.AuthorizationEndpoint,
			TokenURL: meta.TokenEndpoint,
		},
	}

	verifier := oauth2.GenerateVerifier()
	state := randomState()
	authURL := cfg.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("state_user_id", userID),
	)

	return Result{
		Status:           "authorization_pending",
		AuthorizationURL: authURL,
		State:            state,
	}, nil
}

func (m *DefaultManager) discover(ctx context.Context, serverURL string) (metadata, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return metadata{}, fmt.Errorf("invalid server url: %w", err)
	}
	discoveryURL := fmt.Sprintf("%s://%s/.well-known/oauth-authorization-server", u.Scheme, u.Host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return metadata{}, err
	}
	resp, err := m.httpClient().Do(req)
	if err != nil {
		return metadata{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Fall back to conventional endpoint paths under the server's origin.
		return metadata{
			AuthorizationEndpoint: fmt.Sprintf("%s://%s/authorize", u.Scheme, u.Host),
			TokenEndpoint:         fmt.Sprintf("%s://%s/token", u.Scheme, u.Host),
		}, nil
	}

	var meta metadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return metadata{}, fmt.Errorf("decode authorization server metadata: %w", err)
	}
	return meta, nil
}

func (m *DefaultManager) registerClient(ctx context.Context, meta metadata, redirectURL, clientName string) (ClientCredentials, error) {
	payload := map[string]any{
		"client_name":                clientName,
		"redirect_uris":              []string{redirectURL},
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"token_endpoint_auth_method": "none",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return ClientCredentials{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, meta.RegistrationEndpoint, strings.NewReader(string(body)))
	if err != nil {
		return ClientCredentials{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient().Do(req)
	if err != nil {
		return ClientCredentials{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return ClientCredentials{}, fmt.Errorf("registration endpoint returned %d", resp.StatusCode)
	}

	var reg struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return ClientCredentials{}, fmt.Errorf("decode registration response: %w", err)
	}
	return ClientCredentials{ClientID: reg.ClientID, ClientSecret: reg.ClientSecret}, nil
}

func randomState() string {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// sha256Hex is kept for callers that need to verify a PKCE challenge
// manually in tests rather than through oauth2's own verifier helpers.
func sha256Hex(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
