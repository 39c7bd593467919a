// Package auth derives the acting principal from the Authorization header.
//
// Credentials are never checked against an account store: Basic credentials
// map to an opaque HMAC-derived principal, Bearer tokens to the subject of a
// verified HS256 JWT. Requests without credentials proceed anonymously.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	request "chronicle/pkg/platform/middleware/request"
	"chronicle/pkg/requestcontext"
)

// Principal prefixes per authentication scheme.
const (
	BasicAuthPrefix = "basicauth:"
	AccountPrefix   = "account:"
)

var (
	ErrMalformedCredentials = errors.New("malformed credentials")
	ErrInvalidToken         = errors.New("invalid or expired token")
)

// JWTValidator defines the interface for validating Bearer tokens.
type JWTValidator interface {
	ValidateToken(tokenString string) (*JWTClaims, error)
}

// JWTClaims represents the claims we expect from the JWT validator.
type JWTClaims struct {
	Subject string
}

// HS256Validator verifies HS256-signed tokens with a shared secret.
type HS256Validator struct {
	secret []byte
}

// NewHS256Validator returns nil when secret is empty, which disables Bearer
// authentication.
func NewHS256Validator(secret string) *HS256Validator {
	if secret == "" {
		return nil
	}
	return &HS256Validator{secret: []byte(secret)}
}

func (v *HS256Validator) ValidateToken(tokenString string) (*JWTClaims, error) {
	if v == nil {
		return nil, ErrInvalidToken
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return &JWTClaims{Subject: claims.Subject}, nil
}

// Identifier maps credentials onto principals.
type Identifier struct {
	hmacSecret []byte
	validator  JWTValidator
}

// NewIdentifier builds an Identifier. validator may be nil.
func NewIdentifier(hmacSecret string, validator JWTValidator) *Identifier {
	return &Identifier{hmacSecret: []byte(hmacSecret), validator: validator}
}

// BasicPrincipal returns the principal for a user/password pair.
func (id *Identifier) BasicPrincipal(user, password string) string {
	mac := hmac.New(sha256.New, id.hmacSecret)
	mac.Write([]byte(user + ":" + password))
	return BasicAuthPrefix + hex.EncodeToString(mac.Sum(nil))
}

// Identify resolves the principal for an Authorization header value. An empty
// header yields the anonymous principal "".
func (id *Identifier) Identify(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", nil
	}
	scheme, _, _ := strings.Cut(header, " ")
	switch strings.ToLower(scheme) {
	case "basic":
		user, password, ok := r.BasicAuth()
		if !ok || user == "" {
			return "", ErrMalformedCredentials
		}
		return id.BasicPrincipal(user, password), nil
	case "bearer":
		if id.validator == nil {
			return "", ErrInvalidToken
		}
		token := strings.TrimSpace(header[len(scheme):])
		claims, err := id.validator.ValidateToken(token)
		if err != nil {
			return "", err
		}
		return AccountPrefix + claims.Subject, nil
	default:
		return "", ErrMalformedCredentials
	}
}

// writeJSONError writes a JSON error response with the given status code and error details.
func writeJSONError(w http.ResponseWriter, status int, errCode, errDesc string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Basic realm="chronicle"`)
	w.WriteHeader(status)
	_, _ = w.Write(fmt.Appendf(nil, `{"error":"%s","error_description":"%s"}`, errCode, errDesc))
}

// Identify stores the request principal in context, replacing any principal
// already there. Presented but unusable credentials are rejected with 401;
// missing credentials make the request anonymous.
func Identify(identifier *Identifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			principal, err := identifier.Identify(r)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - bad credentials",
					"error", err,
					"request_id", request.GetRequestID(ctx),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Invalid credentials")
				return
			}
			// Always overwrite: a batch sub-request inherits its parent's
			// context and must not keep the parent's principal.
			ctx = requestcontext.WithPrincipal(ctx, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
