package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is how long a minted client token stays valid
const DefaultTokenTTL = 24 * time.Hour

// RoleDevice is the only role allowed to open a voice connection
const RoleDevice = "device"

var ErrMissingToken = errors.New("missing bearer token")

// ClientClaims represents the claims carried by a client token
type ClientClaims struct {
	ClientID     string   `json:"client_id"`
	Capabilities []string `json:"capabilities,omitempty"`
	Role         string   `json:"role"`
	jwt.RegisteredClaims
}

// Signer mints and validates HS256 client tokens with a shared secret
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner creates a signer. A non-positive ttl uses DefaultTokenTTL.
func NewSigner(secret string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// GenerateClientToken generates a JWT token identifying the client to the peer
func (s *Signer) GenerateClientToken(clientID string, capabilities []string) (string, error) {
	now := s.now()
	claims := &ClientClaims{
		ClientID:     clientID,
		Capabilities: capabilities,
		Role:         RoleDevice,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken validates a JWT token and returns the claims
func (s *Signer) ValidateToken(tokenString string) (*ClientClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ClientClaims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*ClientClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, jwt.ErrInvalidKey
}

// Header returns a dial header carrying a freshly minted bearer token
func (s *Signer) Header(clientID string, capabilities []string) (http.Header, error) {
	token, err := s.GenerateClientToken(clientID, capabilities)
	if err != nil {
		return nil, fmt.Errorf("sign client token: %w", err)
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h, nil
}

// BearerToken extracts the token from an Authorization header or, failing
// that, the `token` query parameter
func BearerToken(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || token == "" {
			return "", ErrMissingToken
		}
		return token, nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}
