package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
)

const claimsKey contextKey = "claims"

// Claims identify the family an app session acts for.
type Claims struct {
	FamilyID string `json:"family_id"`
	jwt.RegisteredClaims
}

// TokenAuth verifies HS256 bearer tokens. A nil *TokenAuth disables auth.
type TokenAuth struct {
	secret []byte
}

func NewTokenAuth(secret string) *TokenAuth {
	if secret == "" {
		return nil
	}
	return &TokenAuth{secret: []byte(secret)}
}

// Issue signs a token for familyID valid for ttl.
func (a *TokenAuth) Issue(familyID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		FamilyID: familyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   familyID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *TokenAuth) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.FamilyID != "" {
		return claims, nil
	}
	return nil, jwt.ErrSignatureInvalid
}

// middleware requires a valid token and, on routes with an {id} or
// {family_id} variable, that the token belongs to that family.
func (a *TokenAuth) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeJSONError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}
		claims, err := a.Parse(raw)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, errors.New("invalid token"))
			return
		}
		vars := mux.Vars(r)
		for _, key := range []string{"id", "family_id"} {
			if id, ok := vars[key]; ok && id != claims.FamilyID {
				writeJSONError(w, http.StatusForbidden, errors.New("token does not belong to this family"))
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	// browsers cannot set headers on a websocket handshake
	return r.URL.Query().Get("access_token")
}

func claimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}
