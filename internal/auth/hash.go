package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/GehirnInc/crypt"
	_ "github.com/GehirnInc/crypt/sha512_crypt" // registers sha512-crypt
	"golang.org/x/crypto/bcrypt"
)

// verifyPassword checks a presented plaintext against a stored Password.
//
// Plain-vs-plain uses a constant-time comparison. Hashed values are verified
// with the stored algorithm; an unsupported algorithm is a hard failure so a
// misconfigured entry can never silently fall through to the next one.
func verifyPassword(stored Password, presented string) (bool, error) {
	if stored.Hash == nil {
		return subtle.ConstantTimeCompare([]byte(stored.Plain), []byte(presented)) == 1, nil
	}

	switch stored.Hash.Algorithm {
	case AlgorithmBcrypt:
		err := bcrypt.CompareHashAndPassword([]byte(stored.Hash.Value), []byte(presented))
		if err != nil {
			if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
				return false, nil
			}
			return false, fmt.Errorf("verifying bcrypt hash: %w", err)
		}
		return true, nil

	case AlgorithmSha512Crypt:
		err := crypt.SHA512.New().Verify(stored.Hash.Value, []byte(presented))
		if err != nil {
			if errors.Is(err, crypt.ErrKeyMismatch) {
				return false, nil
			}
			return false, fmt.Errorf("verifying sha512-crypt hash: %w", err)
		}
		return true, nil

	default:
		return false, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, stored.Hash.Algorithm)
	}
}
