package api

import (
	"golang.org/x/crypto/bcrypt"

	"github.com/openauthhq/openauth/pkg/autherr"
)

const minPasswordLength = 8

// hashPassword hashes a plaintext password using bcrypt.
func hashPassword(password string) (string, error) {
	if len(password) < minPasswordLength {
		return "", autherr.Newf(autherr.KindValidation, "password must be at least %d characters", minPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", autherr.Wrap(autherr.KindInternal, "failed to hash password", err)
	}
	return string(hash), nil
}

// checkPassword compares a plaintext password with a stored bcrypt hash.
func checkPassword(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
