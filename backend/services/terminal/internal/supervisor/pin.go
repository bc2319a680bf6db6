package supervisor

import (
	"errors"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrPINNotConfigured = errors.New("supervisor: pin not configured")
	ErrInvalidPIN       = errors.New("supervisor: invalid pin")
	ErrWeakPIN          = errors.New("supervisor: pin must be 4 to 12 digits")
)

// Hasher defines pin hashing contract.
type Hasher interface {
	Hash(pin string) (string, error)
	Compare(hash, pin string) error
}

// BcryptHasher implements Hasher using bcrypt.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher returns a bcrypt-backed pin hasher.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

// Hash converts a plain pin into a hash.
func (h *BcryptHasher) Hash(pin string) (string, error) {
	if err := ValidatePIN(pin); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), h.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Compare checks if the provided pin matches the stored hash.
func (h *BcryptHasher) Compare(hash, pin string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin))
}

// ValidatePIN accepts 4 to 12 ASCII digits.
func ValidatePIN(pin string) error {
	if len(pin) < 4 || len(pin) > 12 {
		return ErrWeakPIN
	}
	for _, r := range pin {
		if r > unicode.MaxASCII || !unicode.IsDigit(r) {
			return ErrWeakPIN
		}
	}
	return nil
}

// Verifier gates supervisor-only actions such as discarding a queued sale.
type Verifier struct {
	hash   string
	hasher Hasher
}

// NewVerifier returns a verifier for the configured hash. An empty hash
// disables every supervisor action.
func NewVerifier(hash string, hasher Hasher) *Verifier {
	return &Verifier{hash: strings.TrimSpace(hash), hasher: hasher}
}

// Configured reports whether a pin hash is set.
func (v *Verifier) Configured() bool {
	return v.hash != ""
}

// Verify checks pin against the configured hash.
func (v *Verifier) Verify(pin string) error {
	if !v.Configured() {
		return ErrPINNotConfigured
	}
	if pin == "" {
		return ErrInvalidPIN
	}
	if err := v.hasher.Compare(v.hash, pin); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrInvalidPIN
		}
		return err
	}
	return nil
}
