package client

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestSMARTProvider_ExchangesAssertionForToken(t *testing.T) {
	key := testRSAKey(t)
	var server *httptest.Server
	var calls atomic.Int32
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		assert.Equal(t, assertionType, r.Form.Get("client_assertion_type"))
		assert.Equal(t, "system/*.read", r.Form.Get("scope"))

		// The assertion must verify against the registered public key
		// and name us and the token endpoint.
		parsed, err := jwt.Parse(r.Form.Get("client_assertion"), func(token *jwt.Token) (any, error) {
			assert.Equal(t, "RS384", token.Method.Alg())
			assert.Equal(t, "key-1", token.Header["kid"])
			return &key.PublicKey, nil
		})
		require.NoError(t, err)
		claims := parsed.Claims.(jwt.MapClaims)
		assert.Equal(t, "client-abc", claims["iss"])
		assert.Equal(t, "client-abc", claims["sub"])
		assert.Equal(t, server.URL+"/token", claims["aud"])
		assert.NotEmpty(t, claims["jti"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "granted",
			"token_type":   "Bearer",
			"expires_in":   300,
		})
	}))
	defer server.Close()

	provider := NewSMARTProvider(server.URL+"/token", "client-abc",
		SigningKey{Key: key, KID: "key-1"}, "", nil)

	token, err := provider.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "granted", token)

	// Cached until expiry
	token, err = provider.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "granted", token)
	assert.Equal(t, int32(1), calls.Load())

	// Invalidate forces a fresh exchange
	provider.Invalidate()
	_, err = provider.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSMARTProvider_TokenEndpointError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_client",
			"error_description": "unknown client",
		})
	}))
	defer server.Close()

	provider := NewSMARTProvider(server.URL, "nobody", SigningKey{Key: testRSAKey(t)}, "", nil)

	_, err := provider.Token(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.Contains(t, err.Error(), "invalid_client")
}

func TestLoadSigningKey_PEM(t *testing.T) {
	key := testRSAKey(t)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{
		Type: "PRIVATE KEY", Bytes: der,
	}), 0o600))

	loaded, err := LoadSigningKey(path)
	require.NoError(t, err)
	assert.Equal(t, 0, loaded.Key.D.Cmp(key.D))
	assert.Empty(t, loaded.KID)
}

func TestLoadSigningKey_JWKS(t *testing.T) {
	key := testRSAKey(t)
	b64 := func(i interface{ Bytes() []byte }) string {
		return base64.RawURLEncoding.EncodeToString(i.Bytes())
	}
	jwks := map[string]any{
		"keys": []map[string]any{
			{
				// A public-only key first; it must be skipped.
				"kty": "RSA", "kid": "pub", "n": b64(key.N), "e": "AQAB",
			},
			{
				"kty": "RSA", "alg": "RS384", "use": "sig", "kid": "sig-key",
				"n": b64(key.N), "e": "AQAB", "d": b64(key.D),
				"p": b64(key.Primes[0]), "q": b64(key.Primes[1]),
			},
		},
	}
	raw, err := json.Marshal(jwks)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "keys.jwks")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	loaded, err := LoadSigningKey(path)
	require.NoError(t, err)
	assert.Equal(t, "sig-key", loaded.KID)
	assert.Equal(t, 0, loaded.Key.D.Cmp(key.D))
}

func TestLoadSigningKey_NoUsableKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.jwks")
	require.NoError(t, os.WriteFile(path, []byte(`{"keys":[{"kty":"EC","kid":"ec"}]}`), 0o600))

	_, err := LoadSigningKey(path)
	assert.ErrorIs(t, err, ErrNoSigningKey)
}

func TestDiscoverTokenURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/.well-known/smart-configuration", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token_endpoint": "https://auth.example.com/token",
		})
	}))
	defer server.Close()

	tokenURL, err := DiscoverTokenURL(context.Background(), nil, server.URL)
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com/token", tokenURL)
}

func TestDiscoverTokenURL_MissingEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	_, err := DiscoverTokenURL(context.Background(), nil, server.URL)
	assert.Error(t, err)
}
