package client

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const (
	// assertionLifetime is how far in the future signed assertions
	// expire. Servers reject anything above five minutes.
	assertionLifetime = 5 * time.Minute

	// assertionType identifies the JWT bearer client assertion grant.
	assertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	// DefaultScope asks for read access to every resource type.
	DefaultScope = "system/*.read"

	// tokenTimeout bounds one token endpoint round trip.
	tokenTimeout = 30 * time.Second
)

// ErrNoSigningKey indicates the key file held no usable RSA key.
var ErrNoSigningKey = errors.New("client: no RSA signing key found")

// TokenProvider supplies bearer tokens for requests. Invalidate drops
// any cached token so the next call fetches a fresh one; it is called
// after a 401.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// StaticTokenProvider returns a fixed token. Useful against servers
// with long-lived test tokens and in tests.
type StaticTokenProvider string

// Token returns the fixed token.
func (s StaticTokenProvider) Token(context.Context) (string, error) {
	return string(s), nil
}

// Invalidate is a no-op; there is nothing fresher to fetch.
func (StaticTokenProvider) Invalidate() {}

// SigningKey is a private key ready to sign client assertions.
type SigningKey struct {
	Key *rsa.PrivateKey
	KID string
}

// SMARTProvider implements the SMART backend services flow: an RS384
// client assertion posted to the token endpoint under the client
// credentials grant. Tokens are cached until shortly before expiry via
// oauth2.ReuseTokenSource.
type SMARTProvider struct {
	source *assertionSource

	mu     sync.Mutex
	cached oauth2.TokenSource
}

// NewSMARTProvider creates a provider for the given token endpoint and
// registered client. An empty scope selects DefaultScope.
func NewSMARTProvider(tokenURL, clientID string, key SigningKey, scope string, httpClient *http.Client) *SMARTProvider {
	if scope == "" {
		scope = DefaultScope
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: tokenTimeout}
	}
	source := &assertionSource{
		tokenURL: tokenURL,
		clientID: clientID,
		key:      key,
		scope:    scope,
		client:   httpClient,
	}
	return &SMARTProvider{
		source: source,
		cached: oauth2.ReuseTokenSource(nil, source),
	}
}

// Token returns a bearer token, reusing the cached one while valid.
func (p *SMARTProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	source := p.cached
	p.mu.Unlock()

	p.source.setContext(ctx)
	token, err := source.Token()
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// Invalidate discards the cached token.
func (p *SMARTProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = oauth2.ReuseTokenSource(nil, p.source)
}

// assertionSource performs the actual exchange. It satisfies
// oauth2.TokenSource so ReuseTokenSource can manage caching.
type assertionSource struct {
	tokenURL string
	clientID string
	key      SigningKey
	scope    string
	client   *http.Client

	mu  sync.Mutex
	ctx context.Context
}

var _ oauth2.TokenSource = (*assertionSource)(nil)

func (s *assertionSource) setContext(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
}

func (s *assertionSource) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// Token signs a fresh assertion and exchanges it for an access token.
func (s *assertionSource) Token() (*oauth2.Token, error) {
	assertion, err := s.signAssertion()
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", s.scope)
	form.Set("client_assertion_type", assertionType)
	form.Set("client_assertion", assertion)

	ctx, cancel := context.WithTimeout(s.context(), tokenTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
			return nil, fmt.Errorf("%w: %s - %s", ErrAuthFailed, errResp.Error, errResp.Description)
		}
		return nil, fmt.Errorf("%w: token endpoint returned %d", ErrAuthFailed, resp.StatusCode)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, ErrNoToken
	}

	token := &oauth2.Token{
		AccessToken: tokenResp.AccessToken,
		TokenType:   tokenResp.TokenType,
	}
	if tokenResp.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}
	return token, nil
}

// signAssertion builds the RS384 JWT the server authenticates us by.
func (s *assertionSource) signAssertion() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": s.clientID,
		"sub": s.clientID,
		"aud": s.tokenURL,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(assertionLifetime).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS384, claims)
	if s.key.KID != "" {
		token.Header["kid"] = s.key.KID
	}
	signed, err := token.SignedString(s.key.Key)
	if err != nil {
		return "", fmt.Errorf("sign client assertion: %w", err)
	}
	return signed, nil
}

// LoadSigningKey reads an RSA private key from path. Both PEM files
// (PKCS#1 or PKCS#8) and JWKS documents are accepted; a JWKS file
// contributes its first RSA signing key together with its kid.
func LoadSigningKey(path string) (SigningKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return SigningKey{}, fmt.Errorf("read key file: %w", err)
	}

	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		return parseJWKS(raw)
	}
	key, err := parsePEMKey(raw)
	if err != nil {
		return SigningKey{}, err
	}
	return SigningKey{Key: key}, nil
}

func parsePEMKey(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, ErrNoSigningKey
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: key is %T, want RSA", ErrNoSigningKey, parsed)
	}
	return key, nil
}

type jwksKey struct {
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
	D   string `json:"d"`
	P   string `json:"p"`
	Q   string `json:"q"`
	Dp  string `json:"dp"`
	Dq  string `json:"dq"`
	Qi  string `json:"qi"`
}

func parseJWKS(raw []byte) (SigningKey, error) {
	var doc struct {
		Keys []jwksKey `json:"keys"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return SigningKey{}, fmt.Errorf("parse JWKS: %w", err)
	}
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.D == "" {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		key, err := rsaKeyFromJWK(k)
		if err != nil {
			return SigningKey{}, err
		}
		return SigningKey{Key: key, KID: k.Kid}, nil
	}
	return SigningKey{}, ErrNoSigningKey
}

func rsaKeyFromJWK(k jwksKey) (*rsa.PrivateKey, error) {
	n, err := jwkInt(k.N)
	if err != nil {
		return nil, fmt.Errorf("JWKS field n: %w", err)
	}
	e, err := jwkInt(k.E)
	if err != nil {
		return nil, fmt.Errorf("JWKS field e: %w", err)
	}
	d, err := jwkInt(k.D)
	if err != nil {
		return nil, fmt.Errorf("JWKS field d: %w", err)
	}
	p, err := jwkInt(k.P)
	if err != nil {
		return nil, fmt.Errorf("JWKS field p: %w", err)
	}
	q, err := jwkInt(k.Q)
	if err != nil {
		return nil, fmt.Errorf("JWKS field q: %w", err)
	}

	key := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: int(e.Int64())},
		D:         d,
		Primes:    []*big.Int{p, q},
	}
	key.Precompute()
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid JWKS RSA key: %w", err)
	}
	return key, nil
}

func jwkInt(value string) (*big.Int, error) {
	if value == "" {
		return nil, errors.New("missing value")
	}
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

// DiscoverTokenURL fetches the server's SMART configuration document
// and returns its token endpoint.
func DiscoverTokenURL(ctx context.Context, httpClient *http.Client, baseURL string) (string, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: tokenTimeout}
	}
	wellKnown := strings.TrimSuffix(baseURL, "/") + "/.well-known/smart-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return "", fmt.Errorf("create discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch SMART configuration: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &ResponseError{StatusCode: resp.StatusCode, URL: wellKnown}
	}

	var config struct {
		TokenEndpoint string `json:"token_endpoint"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&config); err != nil {
		return "", fmt.Errorf("decode SMART configuration: %w", err)
	}
	if config.TokenEndpoint == "" {
		return "", fmt.Errorf("SMART configuration at %s names no token endpoint", wellKnown)
	}
	return config.TokenEndpoint, nil
}
