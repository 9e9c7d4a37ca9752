package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/devpocket/environment-broker/internal/types"
)

// Token classes carried in the "class" claim. Only access tokens may open
// sessions; refresh tokens are rejected everywhere in this subsystem.
const (
	TokenClassAccess  = "access"
	TokenClassRefresh = "refresh"
)

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrTokenExpired    = errors.New("token expired")
	ErrWrongTokenClass = errors.New("wrong token class")
	ErrUserInactive    = errors.New("user is not active")
	ErrUserLocked      = errors.New("user is locked")
)

// Claims are the JWT claims issued by the platform's token service.
type Claims struct {
	TokenClass string `json:"class"`
	jwt.RegisteredClaims
}

// Verifier validates platform-issued JWTs.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for the given HMAC secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates an access token, returning its claims. Expired
// tokens and refresh-class tokens are rejected.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.TokenClass != TokenClassAccess {
		return nil, ErrWrongTokenClass
	}

	return claims, nil
}

// Issue generates a signed token for the given subject and class. Used by the
// platform's token service; kept here so tests can mint tokens.
func (v *Verifier) Issue(subject, class string, ttl time.Duration) (string, error) {
	claims := &Claims{
		TokenClass: class,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// CheckPrincipal verifies the user may hold sessions: active and not locked.
func CheckPrincipal(user *types.UserIdentity) error {
	if !user.IsActive {
		return ErrUserInactive
	}
	if user.Locked(time.Now()) {
		return ErrUserLocked
	}
	return nil
}
