package clients

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TerminalClaims identifies the terminal to the back office.
type TerminalClaims struct {
	TerminalID string `json:"terminal_id"`
	StationID  string `json:"station_id"`
	jwt.RegisteredClaims
}

// TokenSource mints short-lived HS256 terminal tokens and reuses one until
// it is close to expiry.
type TokenSource struct {
	secret     []byte
	terminalID string
	stationID  string
	expiresIn  time.Duration
	now        func() time.Time

	mu      sync.Mutex
	cached  string
	expires time.Time
}

// NewTokenSource returns configured token source.
func NewTokenSource(secret, terminalID, stationID string, expiresIn time.Duration) *TokenSource {
	if expiresIn <= 0 {
		expiresIn = 15 * time.Minute
	}
	return &TokenSource{
		secret:     []byte(secret),
		terminalID: terminalID,
		stationID:  stationID,
		expiresIn:  expiresIn,
		now:        time.Now,
	}
}

// Token returns a valid bearer token.
func (s *TokenSource) Token() (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("token: signing secret is empty")
	}
	if s.terminalID == "" {
		return "", errors.New("token: terminal id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if s.cached != "" && now.Add(s.expiresIn/4).Before(s.expires) {
		return s.cached, nil
	}

	expires := now.Add(s.expiresIn)
	claims := TerminalClaims{
		TerminalID: s.terminalID,
		StationID:  s.stationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.terminalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", err
	}
	s.cached = signed
	s.expires = expires
	return signed, nil
}

// ParseTerminalToken verifies a token minted by a TokenSource with the same secret.
func ParseTerminalToken(secret, tokenString string) (*TerminalClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TerminalClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("token: unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*TerminalClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("token: invalid claims")
}
