package scope

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Resolver turns tokens issued by the external authorization service into
// typed scopes. Token issuance and credential checks stay outside the engine;
// this only verifies the signature and lifts the claims.
type Resolver struct {
	secret string
}

func NewResolver(secret string) *Resolver {
	return &Resolver{secret: secret}
}

// Resolve validates the token and extracts the caller's scope claims.
func (r *Resolver) Resolve(tokenStr string) (Scope, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(r.secret), nil
	})
	if err != nil {
		return Scope{}, err
	}
	if !token.Valid {
		return Scope{}, jwt.ErrTokenInvalidClaims
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Scope{}, jwt.ErrTokenMalformed
	}

	s := Scope{
		ActorID:  stringClaim(claims, "sub"),
		Role:     stringClaim(claims, "role"),
		StateID:  stringClaim(claims, "state_id"),
		AgencyID: stringClaim(claims, "agency_id"),
	}
	if s.ActorID == "" || s.Role == "" {
		return Scope{}, jwt.ErrTokenMalformed
	}
	return s, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}
