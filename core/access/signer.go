package access

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/baas/core"
	"github.com/relabs-tech/baas/core/descriptor"
)

// Signer wraps results into signed tokens
type Signer struct {
	codec Codec
}

// NewSigner returns a new signer. A nil codec selects the JWTCodec.
func NewSigner(codec Codec) *Signer {
	if codec == nil {
		codec = JWTCodec{}
	}
	return &Signer{codec: codec}
}

// Sign returns the result as token signed with the scheme. Only objects can
// be signed, any other non-empty result fails UnsupportedPayload naming its kind.
// Empty results (null, "", {} and []) are returned unsigned.
func (s *Signer) Sign(result interface{}, scheme *descriptor.AuthScheme) (interface{}, error) {
	if result == nil {
		return nil, nil
	}
	body, err := json.Marshal(result)
	if err != nil {
		return nil, core.WrapError(core.KindInternal, "cannot sign result", err)
	}
	var value interface{}
	if err := json.Unmarshal(body, &value); err != nil {
		return nil, core.WrapError(core.KindInternal, "cannot sign result", err)
	}

	var claims core.Claims
	switch v := value.(type) {
	case nil:
		return result, nil
	case map[string]interface{}:
		if len(v) == 0 {
			return result, nil
		}
		claims = v
	case []interface{}:
		if len(v) == 0 {
			return result, nil
		}
		return nil, unsupported("array", scheme)
	case string:
		if v == "" {
			return result, nil
		}
		return nil, unsupported("string", scheme)
	case float64:
		return nil, unsupported("number", scheme)
	case bool:
		return nil, unsupported("boolean", scheme)
	default:
		return nil, unsupported(fmt.Sprintf("%T", v), scheme)
	}

	token, err := s.codec.Sign(claims, scheme.Secret, scheme.Expires)
	if err != nil {
		return nil, core.WrapError(core.KindInternal, "cannot sign result", err)
	}
	return token, nil
}

func unsupported(kind string, scheme *descriptor.AuthScheme) error {
	return core.NewError(core.KindUnsupportedPayload,
		fmt.Sprintf("scheme %s cannot sign payload of kind %s", scheme.Name, kind))
}
