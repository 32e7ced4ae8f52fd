package access

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/baas/core"
	"github.com/relabs-tech/baas/core/descriptor"
)

const gateDescriptor = `{
  "baas": {
    "auth": {
      "A": {"secret": "secret-a", "expires": "1h"},
      "B": {"secret": "secret-b"}
    },
    "class": {
      "open": {},
      "both": {"auth": ["A", "B"]},
      "broken": {"auth": ["A", "C"]}
    }
  }
}`

func loadGateModule(t *testing.T) *descriptor.Module {
	module, err := descriptor.Parse("m", []byte(gateDescriptor), nil)
	require.NoError(t, err)
	return module
}

func sign(t *testing.T, claims core.Claims, secret string) string {
	token, err := JWTCodec{}.Sign(claims, secret, time.Hour)
	require.NoError(t, err)
	return token
}

func TestJWTCodec(t *testing.T) {
	now := time.Date(2021, 4, 1, 12, 0, 0, 0, time.UTC)
	codec := JWTCodec{Now: func() time.Time { return now }}

	token, err := codec.Sign(core.Claims{"uid": "u1"}, "s3cr3t", time.Minute)
	require.NoError(t, err)

	claims, err := codec.Verify(token, "s3cr3t")
	require.NoError(t, err)
	assert.Equal(t, "u1", claims["uid"])
	assert.Equal(t, float64(now.Unix()), claims["iat"])
	assert.Equal(t, float64(now.Add(time.Minute).Unix()), claims["exp"])

	_, err = codec.Verify(token, "wrong")
	assert.Error(t, err)
	_, err = codec.Verify("garbage", "s3cr3t")
	assert.Error(t, err)

	later := JWTCodec{Now: func() time.Time { return now.Add(2 * time.Minute) }}
	_, err = later.Verify(token, "s3cr3t")
	assert.Error(t, err, "expired tokens are rejected")

	forever, err := codec.Sign(core.Claims{"uid": "u1"}, "s3cr3t", 0)
	require.NoError(t, err)
	claims, err = later.Verify(forever, "s3cr3t")
	require.NoError(t, err)
	assert.NotContains(t, claims, "exp")
}

func TestJWTCodecRejectsNone(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"uid": "u1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = JWTCodec{}.Verify(token, "s3cr3t")
	assert.Error(t, err)
}

func TestCredential(t *testing.T) {
	query := url.Values{"Token": {"from-query"}}
	header := http.Header{}
	header.Set("Token", "from-header")
	assert.Equal(t, "from-query", Credential("Token", query, header), "query wins over header")
	assert.Equal(t, "from-header", Credential("Token", url.Values{}, header))

	header.Set("Token", "Bearer abc")
	assert.Equal(t, "abc", Credential("Token", url.Values{}, header))
	assert.Equal(t, "", Credential("Other", query, header))
}

func TestAuthorize(t *testing.T) {
	ctx := context.Background()
	module := loadGateModule(t)
	gate := NewGate(nil)

	open, _ := module.Class("open")
	creds, err := gate.Authorize(ctx, module, open, url.Values{}, http.Header{})
	require.NoError(t, err)
	assert.Empty(t, creds)

	both, _ := module.Class("both")
	tokenA := sign(t, core.Claims{"uid": "a"}, "secret-a")
	tokenB := sign(t, core.Claims{"app": "b"}, "secret-b")

	header := http.Header{}
	header.Set("B", "Bearer "+tokenB)
	creds, err = gate.Authorize(ctx, module, both, url.Values{"A": {tokenA}}, header)
	require.NoError(t, err)
	assert.Equal(t, "a", creds["A"]["uid"])
	assert.Equal(t, "b", creds["B"]["app"])

	// served from the credential cache the second time
	creds, err = gate.Authorize(ctx, module, both, url.Values{"A": {tokenA}}, header)
	require.NoError(t, err)
	assert.Equal(t, "a", creds["A"]["uid"])
}

func TestAuthorizeFailures(t *testing.T) {
	ctx := context.Background()
	module := loadGateModule(t)
	gate := NewGate(nil)
	both, _ := module.Class("both")
	tokenA := sign(t, core.Claims{"uid": "a"}, "secret-a")
	tokenB := sign(t, core.Claims{"app": "b"}, "secret-b")

	tests := map[string]url.Values{
		"missing A":       {"B": {tokenB}},
		"missing B":       {"A": {tokenA}},
		"missing both":    {},
		"A signed with B": {"A": {tokenB}, "B": {tokenB}},
		"B is garbage":    {"A": {tokenA}, "B": {"garbage"}},
		"swapped":         {"A": {tokenB}, "B": {tokenA}},
	}
	var messages []string
	for name, query := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := gate.Authorize(ctx, module, both, query, http.Header{})
			require.Error(t, err)
			e := core.AsError(err)
			assert.Equal(t, core.KindUnauthorized, e.Kind)
			assert.Equal(t, http.StatusUnauthorized, e.Status())
			messages = append(messages, e.Message)
		})
	}
	for _, m := range messages {
		assert.Equal(t, "unauthorized", m, "failures must not be distinguishable")
	}

	broken, _ := module.Class("broken")
	_, err := gate.Authorize(ctx, module, broken, url.Values{"A": {tokenA}, "C": {tokenA}}, http.Header{})
	assert.Equal(t, core.KindUnauthorized, core.KindOf(err), "an undeclared scheme is never satisfied")
}

type countingCodec struct {
	JWTCodec
	verified int
}

func (c *countingCodec) Verify(token, secret string) (core.Claims, error) {
	c.verified++
	return c.JWTCodec.Verify(token, secret)
}

func TestAuthorizeCachesVerifiedTokens(t *testing.T) {
	ctx := context.Background()
	module := loadGateModule(t)
	codec := &countingCodec{}
	gate := NewGate(codec)
	both, _ := module.Class("both")
	query := url.Values{
		"A": {sign(t, core.Claims{"uid": "a"}, "secret-a")},
		"B": {sign(t, core.Claims{"app": "b"}, "secret-b")},
	}
	for i := 0; i < 3; i++ {
		_, err := gate.Authorize(ctx, module, both, query, http.Header{})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, codec.verified)
}

func TestSigner(t *testing.T) {
	scheme := &descriptor.AuthScheme{Name: "Token", Secret: "s3cr3t", Expires: time.Hour}
	signer := NewSigner(nil)

	out, err := signer.Sign(map[string]interface{}{"id": 7, "title": "x"}, scheme)
	require.NoError(t, err)
	token, ok := out.(string)
	require.True(t, ok)
	claims, err := JWTCodec{}.Verify(token, "s3cr3t")
	require.NoError(t, err)
	assert.Equal(t, float64(7), claims["id"])
	assert.Contains(t, claims, "exp")

	for _, empty := range []interface{}{nil, map[string]interface{}{}, []interface{}{}, ""} {
		out, err := signer.Sign(empty, scheme)
		assert.NoError(t, err)
		assert.Equal(t, empty, out)
	}

	kinds := map[string]interface{}{
		"array":   []map[string]interface{}{{"id": 1}},
		"string":  "token",
		"number":  42,
		"boolean": true,
	}
	for kind, payload := range kinds {
		_, err := signer.Sign(payload, scheme)
		e := core.AsError(err)
		assert.Equal(t, core.KindUnsupportedPayload, e.Kind, kind)
		assert.Contains(t, e.Message, kind)
	}
}

type failingCodec struct{ JWTCodec }

func (failingCodec) Sign(core.Claims, string, time.Duration) (string, error) {
	return "", errors.New("no key")
}

func TestSignerCodecFailure(t *testing.T) {
	scheme := &descriptor.AuthScheme{Name: "Token", Secret: "s"}
	_, err := NewSigner(failingCodec{}).Sign(map[string]interface{}{"id": 1}, scheme)
	assert.Equal(t, core.KindInternal, core.KindOf(err))
}
