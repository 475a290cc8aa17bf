// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ingress

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mechanic-dev/mechanic/pkg/errors"
)

type actorKey struct{}

// ActorFrom returns the authenticated admin subject, if any.
func ActorFrom(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(actorKey{}).(string)
	return actor, ok
}

// adminClaims are the claims carried by admin tokens.
type adminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenAuthority issues and verifies HS256 admin tokens.
type TokenAuthority struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenAuthority builds a TokenAuthority.
func NewTokenAuthority(secretKey string, ttl time.Duration) *TokenAuthority {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &TokenAuthority{secret: []byte(secretKey), ttl: ttl}
}

// Issue mints an admin token for subject.
func (a *TokenAuthority) Issue(subject string) (string, error) {
	now := time.Now().UTC()
	claims := adminClaims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify checks a bearer token and returns its subject.
func (a *TokenAuthority) Verify(token string) (string, error) {
	var claims adminClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid || claims.Role != "admin" {
		return "", errors.New("token is not an admin token")
	}
	return claims.Subject, nil
}

// Require wraps a handler with bearer token verification.
func (a *TokenAuthority) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		subject, err := a.Verify(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, subject)))
	})
}
