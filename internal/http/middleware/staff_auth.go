package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// StaffRole scopes what a staff token may do on the REST API.
type StaffRole string

const (
	RoleAdmin     StaffRole = "admin"
	RoleReception StaffRole = "recepcion"
	RoleViewer    StaffRole = "lectura"
)

// StaffClaims are the claims carried by staff bearer tokens. A token without
// a role is read-only.
type StaffClaims struct {
	Role StaffRole `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// CanWrite reports whether the token may create or change appointments.
func (c StaffClaims) CanWrite() bool {
	return c.Role == RoleAdmin || c.Role == RoleReception
}

type staffClaimsKey struct{}

var staffSigningMethods = []string{
	jwt.SigningMethodHS256.Alg(),
	jwt.SigningMethodHS384.Alg(),
	jwt.SigningMethodHS512.Alg(),
}

// StaffAuth guards the staff REST API with an HMAC-signed, expiring bearer
// token. Safe methods need any valid token; writes need a role that
// CanWrite. Failures answer with the API's {"error": ...} body.
func StaffAuth(secret string) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods(staffSigningMethods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	keyFunc := func(*jwt.Token) (any, error) { return []byte(secret), nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				authError(w, http.StatusUnauthorized, "autenticación de personal deshabilitada")
				return
			}
			raw, ok := bearerToken(r)
			if !ok {
				authError(w, http.StatusUnauthorized, "falta el encabezado Authorization")
				return
			}
			var claims StaffClaims
			if _, err := parser.ParseWithClaims(raw, &claims, keyFunc); err != nil {
				authError(w, http.StatusUnauthorized, "token inválido")
				return
			}
			if !safeMethod(r.Method) && !claims.CanWrite() {
				authError(w, http.StatusForbidden, "el rol no permite modificar citas")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), staffClaimsKey{}, claims)))
		})
	}
}

// StaffClaimsFromContext returns the verified claims set by StaffAuth.
func StaffClaimsFromContext(ctx context.Context) (StaffClaims, bool) {
	claims, ok := ctx.Value(staffClaimsKey{}).(StaffClaims)
	return claims, ok
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func authError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
