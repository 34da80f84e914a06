package admission

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleOperator é o único papel aceito nas rotas de monitor e admin.
const RoleOperator = "operator"

const operatorIssuer = "callgate"

type operatorClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// OperatorAuth valida tokens HS256 dos operadores.
type OperatorAuth struct {
	Secret []byte
	Now    func() time.Time
}

type operatorKey struct{}

// OperatorFrom devolve o subject do operador autenticado na requisição.
func OperatorFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(operatorKey{}).(string)
	return v, ok
}

// IssueOperatorToken assina um token de operador válido por ttl.
func IssueOperatorToken(secret []byte, subject string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("operator secret is empty")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("operator subject is required")
	}
	claims := operatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    operatorIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: RoleOperator,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Verify devolve o subject do token ou um erro já mapeado para status HTTP.
func (a OperatorAuth) Verify(raw string) (string, int, error) {
	if strings.TrimSpace(raw) == "" {
		return "", http.StatusUnauthorized, errors.New("missing bearer token")
	}
	var claims operatorClaims
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(operatorIssuer),
		jwt.WithExpirationRequired(),
	}
	if a.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(a.Now))
	}
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.Secret, nil
	}, opts...)
	if err != nil {
		return "", http.StatusUnauthorized, mapJWTError(err)
	}
	if claims.Role != RoleOperator {
		return "", http.StatusForbidden, errors.New("operator role required")
	}
	return claims.Subject, http.StatusOK, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return errors.New("token expired")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return errors.New("malformed token")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return errors.New("invalid token signature")
	default:
		return errors.New("invalid token")
	}
}

// Middleware exige um token de operador no Authorization.
func (a OperatorAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, status, err := a.Verify(bearer(r))
		if err != nil {
			writeError(w, status, "unauthorized", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), operatorKey{}, sub)))
	})
}

// WebhookAuth compara o token fixo dos colaboradores (telefonia, billing).
// Token vazio desliga a checagem.
func WebhookAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := bearer(r)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid webhook token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearer(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
