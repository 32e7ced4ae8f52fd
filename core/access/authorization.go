package access

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/relabs-tech/baas/core"
	"github.com/relabs-tech/baas/core/descriptor"
	"github.com/relabs-tech/baas/core/logger"
)

// Gate checks the auth schemes a class requires against the credentials of a request
type Gate struct {
	codec Codec
	cache *core.CredentialCache
}

// NewGate returns a new authorization gate. A nil codec selects the JWTCodec.
func NewGate(codec Codec) *Gate {
	if codec == nil {
		codec = JWTCodec{}
	}
	return &Gate{codec: codec, cache: core.NewCredentialCache()}
}

// Credential returns the credential of a scheme. The query parameter named like
// the scheme takes precedence over the header of the same name. An optional
// "Bearer " prefix of the header value is stripped.
func Credential(scheme string, query url.Values, header http.Header) string {
	if token := query.Get(scheme); token != "" {
		return token
	}
	token := strings.TrimSpace(header.Get(scheme))
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return token
}

// Authorize verifies the credentials for every scheme the class requires, in
// declared order, and returns the verified claims by scheme name. The first
// missing or invalid credential fails Unauthorized. A class without schemes
// is trivially authorized.
//
// Every failure carries the same message, the cause is only logged.
func (g *Gate) Authorize(ctx context.Context, module *descriptor.Module, class *descriptor.Class,
	query url.Values, header http.Header) (core.Credentials, error) {
	rlog := logger.FromContext(ctx)
	credentials := core.Credentials{}

	for _, name := range class.Auth {
		scheme, ok := module.Scheme(name)
		if !ok {
			err := fmt.Errorf("class %s requires unknown scheme %s", class.Name, name)
			rlog.WithError(err).Errorln("Error 4701: configuration error in module", module.Name)
			return nil, core.Unauthorized(err)
		}
		token := Credential(name, query, header)
		if token == "" {
			err := fmt.Errorf("credential for scheme %s missing", name)
			rlog.Infoln("unauthorized:", err)
			return nil, core.Unauthorized(err)
		}
		claims, ok := g.cache.Read(scheme.Secret, token)
		if !ok {
			var err error
			claims, err = g.codec.Verify(token, scheme.Secret)
			if err != nil {
				err = fmt.Errorf("credential for scheme %s invalid: %w", name, err)
				rlog.Infoln("unauthorized:", err)
				return nil, core.Unauthorized(err)
			}
			if exp := expiresAt(claims); !exp.IsZero() {
				g.cache.Write(scheme.Secret, token, claims, exp)
			}
		}
		credentials[name] = claims
	}
	return credentials, nil
}
