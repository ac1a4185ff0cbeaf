package gate

import (
	"context"
	"fmt"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"
)

// JWTVerifier implements TokenVerifier against a JWKS fetched from the
// external ACL signer named in spec §4.4 ("signature verification itself
// is delegated to the external ACL signer; the gate records verified
// approvals"). It only verifies and extracts the subject claim — it never
// holds signing key material.
type JWTVerifier struct {
	keySet jwk.Set
}

// NewJWTVerifier fetches (and caches) the JWKS at jwksURL. ctx bounds the
// initial fetch only.
func NewJWTVerifier(ctx context.Context, jwksURL string) (*JWTVerifier, error) {
	ks, err := jwk.Fetch(ctx, jwksURL)
	if err != nil {
		return nil, fmt.Errorf("gate: fetching jwks from %s: %w", jwksURL, err)
	}
	return &JWTVerifier{keySet: ks}, nil
}

// Verify parses and validates token against the cached key set and returns
// its subject claim as the approving principal.
func (v *JWTVerifier) Verify(token string) (string, error) {
	parsed, err := jwt.Parse([]byte(token), jwt.WithKeySet(v.keySet), jwt.WithValidate(true))
	if err != nil {
		return "", fmt.Errorf("gate: verifying approval token: %w", err)
	}
	sub, ok := parsed.Subject()
	if !ok || sub == "" {
		return "", fmt.Errorf("gate: approval token has no subject claim")
	}
	return sub, nil
}
