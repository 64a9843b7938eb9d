package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// OTPIssuer appears in authenticator apps next to the account email.
const OTPIssuer = "OmicsPlatform"

// GenerateTOTPSecret mints a new TOTP secret and its otpauth:// URL.
func GenerateTOTPSecret(email string, step time.Duration) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      OTPIssuer,
		AccountName: email,
		Period:      uint(step.Seconds()),
		Digits:      otp.DigitsSix,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// ValidateTOTP checks a 6-digit code against secret with the given step and
// +/- skew steps of clock drift.
func ValidateTOTP(code, secret string, step time.Duration, skew int, at time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, at.UTC(), totp.ValidateOpts{
		Period: uint(step.Seconds()),
		Skew:   uint(skew),
		Digits: otp.DigitsSix,
	})
	return err == nil && ok
}

// GenerateRecoveryCodes returns n one-shot recovery codes and their SHA-256
// hex hashes. The plaintext codes are shown to the user exactly once.
func GenerateRecoveryCodes(n int) (codes, hashes []string, err error) {
	codes = make([]string, n)
	hashes = make([]string, n)
	for i := 0; i < n; i++ {
		buf := make([]byte, 10)
		if _, err := rand.Read(buf); err != nil {
			return nil, nil, err
		}
		code := base64.RawURLEncoding.EncodeToString(buf)
		codes[i] = fmt.Sprintf("%s-%s", code[:8], code[8:])
		hashes[i] = HashRecoveryCode(codes[i])
	}
	return codes, hashes, nil
}

// HashRecoveryCode hashes a recovery code for at-rest storage.
func HashRecoveryCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// MatchRecoveryCode returns the index of the hash matching code, or -1.
// Comparison is constant-time per entry.
func MatchRecoveryCode(code string, hashes []string) int {
	want := []byte(HashRecoveryCode(code))
	for i, h := range hashes {
		if subtle.ConstantTimeCompare(want, []byte(h)) == 1 {
			return i
		}
	}
	return -1
}
