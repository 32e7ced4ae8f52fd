package access

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/relabs-tech/baas/core"
)

// Codec verifies and signs tokens with a shared secret
type Codec interface {
	Verify(token, secret string) (core.Claims, error)
	Sign(claims core.Claims, secret string, expiry time.Duration) (string, error)
}

// JWTCodec is the Codec for HS256 signed JSON web tokens
type JWTCodec struct {
	// Now defaults to time.Now
	Now func() time.Time
}

func (c JWTCodec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Verify parses the token and checks its signature and its time based claims.
// Tokens signed with anything but HMAC are rejected.
func (c JWTCodec) Verify(tokenString, secret string) (core.Claims, error) {
	claims := jwt.MapClaims{}
	parser := jwt.Parser{SkipClaimsValidation: true}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	now := c.now().Unix()
	if !claims.VerifyExpiresAt(now, false) {
		return nil, fmt.Errorf("token is expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return nil, fmt.Errorf("token is not valid yet")
	}
	return core.Claims(claims), nil
}

// Sign signs the claims. iat is set to the current time, and exp if expiry is not zero.
func (c JWTCodec) Sign(claims core.Claims, secret string, expiry time.Duration) (string, error) {
	mc := jwt.MapClaims{}
	for k, v := range claims {
		mc[k] = v
	}
	now := c.now()
	mc["iat"] = now.Unix()
	if expiry > 0 {
		mc["exp"] = now.Add(expiry).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString([]byte(secret))
}

// expiresAt returns the exp claim as time, or zero time if there is none
func expiresAt(claims core.Claims) time.Time {
	switch exp := claims["exp"].(type) {
	case float64:
		return time.Unix(int64(exp), 0)
	case int64:
		return time.Unix(exp, 0)
	}
	return time.Time{}
}
