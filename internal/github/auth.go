// Package github mints short-lived GitHub App installation tokens and posts
// commit statuses with them.
package github

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"kitops/internal/core"
)

const (
	defaultBaseURL = "https://api.github.com"
	userAgent      = "kitops"

	// refreshMargin renews cached installation tokens before GitHub
	// expires them, so a token handed out is valid for at least a minute.
	refreshMargin = 2 * time.Minute
)

// AppAuth exchanges a GitHub App identity for installation tokens, cached by
// installation until near expiry.
type AppAuth struct {
	appID   int64
	key     *rsa.PrivateKey
	baseURL string
	client  *http.Client
	now     func() time.Time

	mu     sync.Mutex
	tokens map[int64]*installationToken
	// installation ids per repo slug; they do not expire
	installations map[string]int64
}

type installationToken struct {
	value     string
	expiresAt time.Time
}

// NewAppAuth reads the PEM private key and prepares the exchanger. The API
// base URL is overridable through GITHUB_API_URL for GitHub Enterprise.
func NewAppAuth(appID int64, privateKeyFile string) (*AppAuth, error) {
	key, err := readPrivateKey(privateKeyFile)
	if err != nil {
		return nil, core.Errorf(core.ErrConfig, "github private key: %w", err)
	}
	baseURL := os.Getenv("GITHUB_API_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &AppAuth{
		appID:         appID,
		key:           key,
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		client:        &http.Client{Timeout: 30 * time.Second},
		now:           time.Now,
		tokens:        make(map[int64]*installationToken),
		installations: make(map[string]int64),
	}, nil
}

// Token returns a bearer token for the repository, valid for at least the
// refresh margin.
func (a *AppAuth) Token(ctx context.Context, slug string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id, ok := a.installations[slug]
	if !ok {
		jwtToken, err := a.createJWT()
		if err != nil {
			return "", err
		}
		id, err = a.lookupInstallation(ctx, slug, jwtToken)
		if err != nil {
			return "", err
		}
		a.installations[slug] = id
	}

	if tok, ok := a.tokens[id]; ok && tok.expiresAt.Sub(a.now()) > refreshMargin {
		return tok.value, nil
	}

	jwtToken, err := a.createJWT()
	if err != nil {
		return "", err
	}
	tok, err := a.createInstallationToken(ctx, id, jwtToken)
	if err != nil {
		return "", err
	}
	a.tokens[id] = tok
	return tok.value, nil
}

// AuthURL satisfies core.AuthProvider: the repository URL with installation
// credentials injected. Only https URLs can carry a token.
func (a *AppAuth) AuthURL(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse repo url: %w", err)
	}
	if u.Scheme != "https" {
		return "", fmt.Errorf("github auth requires an https url, got %s", u.Scheme)
	}
	slug, err := RepoSlug(rawURL)
	if err != nil {
		return "", err
	}
	token, err := a.Token(ctx, slug)
	if err != nil {
		return "", err
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}

// createJWT signs the App JWT. iat is backdated against clock drift; exp
// stays inside GitHub's 10 minute ceiling.
func (a *AppAuth) createJWT() (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(a.appID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(a.key)
	if err != nil {
		return "", core.Errorf(core.ErrAuth, "sign app jwt: %w", err)
	}
	return signed, nil
}

func (a *AppAuth) lookupInstallation(ctx context.Context, slug, jwtToken string) (int64, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/installation", a.baseURL, slug)
	body, err := a.do(ctx, http.MethodGet, endpoint, jwtToken, http.StatusOK)
	if err != nil {
		return 0, err
	}
	var installation struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(body, &installation); err != nil {
		return 0, core.Errorf(core.ErrAuth, "parse installation response: %w", err)
	}
	if installation.ID == 0 {
		return 0, core.Errorf(core.ErrAuth, "no installation for %s", slug)
	}
	return installation.ID, nil
}

func (a *AppAuth) createInstallationToken(ctx context.Context, id int64, jwtToken string) (*installationToken, error) {
	endpoint := fmt.Sprintf("%s/app/installations/%d/access_tokens", a.baseURL, id)
	body, err := a.do(ctx, http.MethodPost, endpoint, jwtToken, http.StatusCreated)
	if err != nil {
		return nil, err
	}
	var token struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, core.Errorf(core.ErrAuth, "parse access token response: %w", err)
	}
	if token.Token == "" {
		return nil, core.Errorf(core.ErrAuth, "empty token in response")
	}
	return &installationToken{value: token.Token, expiresAt: token.ExpiresAt}, nil
}

func (a *AppAuth) do(ctx context.Context, method, endpoint, bearer string, wantStatus int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, core.Errorf(core.ErrAuth, "build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", userAgent)
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, core.Errorf(core.ErrNetwork, "%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, core.Errorf(core.ErrNetwork, "read response from %s: %w", endpoint, err)
	}
	if resp.StatusCode != wantStatus {
		return nil, core.Errorf(core.ErrAuth, "%s %s returned %d: %s", method, endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// RepoSlug extracts owner/repo from https and ssh remote URLs.
func RepoSlug(rawURL string) (string, error) {
	path := ""
	if strings.HasPrefix(rawURL, "git@") {
		// git@github.com:org/repo.git
		_, after, found := strings.Cut(rawURL, ":")
		if !found {
			return "", fmt.Errorf("cannot derive owner/repo from %q", rawURL)
		}
		path = after
	} else {
		u, err := url.Parse(rawURL)
		if err != nil {
			return "", fmt.Errorf("parse repo url: %w", err)
		}
		path = u.Path
	}
	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("repo url %q is not owner/repo shaped", rawURL)
	}
	return parts[0] + "/" + parts[1], nil
}

func readPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		parsed, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("parsing private key (tried PKCS1 and PKCS8): %w", err)
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
		return rsaKey, nil
	}
	return key, nil
}
