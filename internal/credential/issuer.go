package credential

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Issuer obtains a fresh token for an identity.
type Issuer interface {
	Issue(ctx context.Context, id Identity) (Token, error)
}

// IssuerFunc adapts a function to Issuer.
type IssuerFunc func(ctx context.Context, id Identity) (Token, error)

func (f IssuerFunc) Issue(ctx context.Context, id Identity) (Token, error) { return f(ctx, id) }

const (
	DefaultIMDSEndpoint   = "http://169.254.169.254/metadata/identity/oauth2/token"
	DefaultIMDSAPIVersion = "2018-02-01"
	DefaultResource       = "https://ingestion.monitor.azure.com/"
)

// IMDSIssuer requests managed identity tokens from the instance metadata
// service and writes the response to the token cache file read by the
// exporter.
type IMDSIssuer struct {
	Endpoint   string
	APIVersion string
	Resource   string
	CachePath  string
	Client     *http.Client
}

func (i *IMDSIssuer) requestURL(id Identity) (string, error) {
	endpoint := i.Endpoint
	if endpoint == "" {
		endpoint = DefaultIMDSEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("imds endpoint: %w", err)
	}
	q := u.Query()
	api := i.APIVersion
	if api == "" {
		api = DefaultIMDSAPIVersion
	}
	res := i.Resource
	if res == "" {
		res = DefaultResource
	}
	q.Set("api-version", api)
	q.Set("resource", res)
	if !id.IsDefault() {
		q.Set(string(id.Kind), id.Value)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (i *IMDSIssuer) Issue(ctx context.Context, id Identity) (Token, error) {
	u, err := i.requestURL(id)
	if err != nil {
		return Token{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Metadata", "true")
	client := i.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("imds request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Token{}, fmt.Errorf("imds read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Token{}, fmt.Errorf("imds status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	tok, err := parseTokenJSON(body)
	if err != nil {
		return Token{}, err
	}
	if tok.Value == "" || !tok.Known() {
		return Token{}, fmt.Errorf("imds response missing access_token or expires_on")
	}
	if i.CachePath != "" {
		if err := WriteCache(i.CachePath, body); err != nil {
			return Token{}, fmt.Errorf("write token cache: %w", err)
		}
	}
	return tok, nil
}
