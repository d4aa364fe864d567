package websocket

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// BearerHeader returns a RequestSpec.Headers entry carrying a static bearer
// token, for servers that authenticate the opening handshake via
// Authorization rather than a custom header or query parameter.
func BearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// SignedBearerHeader mints a short-lived RS256 JWT and returns it as an
// Authorization header for RequestSpec.Headers. Grounded on
// tzrikka-timpani's GitHub App JWT minting: issuer claim plus a tight
// expiry, RS256-signed.
//
// ttl should be kept short; most gateways that accept JWT-authenticated
// WebSocket upgrades only check the token at connect time, so there is no
// benefit to a long-lived claim.
func SignedBearerHeader(issuer string, key *rsa.PrivateKey, ttl time.Duration) (map[string]string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
		"iss": issuer,
	})

	signed, err := token.SignedString(key)
	if err != nil {
		return nil, fmt.Errorf("websocket: sign auth token: %w", err)
	}

	return BearerHeader(signed), nil
}
