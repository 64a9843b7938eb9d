package auth

import (
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"omics-backend/internal/types"
)

// MinPasswordLength is the policy floor.
const MinPasswordLength = 12

// CheckPasswordPolicy enforces length >= 12 and at least three character
// classes (lower, upper, digit, symbol).
func CheckPasswordPolicy(password string) error {
	if len(password) < MinPasswordLength {
		return types.E(types.ErrInvalid, "password must be at least %d characters", MinPasswordLength)
	}
	var lower, upper, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}
	classes := 0
	for _, ok := range []bool{lower, upper, digit, symbol} {
		if ok {
			classes++
		}
	}
	if classes < 3 {
		return types.E(types.ErrInvalid, "password must mix at least three character classes")
	}
	return nil
}

// HashPassword derives a bcrypt hash at the given cost.
func HashPassword(password string, cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares in constant time via bcrypt.
func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
