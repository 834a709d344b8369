// Package otpcode issues short numeric codes for email sign-in and phone
// verification. Each challenge gets its own TOTP secret whose period equals
// the challenge lifetime, so a code stays valid for at least one full TTL.
package otpcode

import (
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const issuer = "CloudBudgetGuard"

func validateOpts(ttl time.Duration) totp.ValidateOpts {
	period := uint(ttl / time.Second)
	if period == 0 {
		period = 30
	}
	return totp.ValidateOpts{
		Period:    period,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// New creates a fresh secret for account and the code valid at now.
func New(account string, ttl time.Duration, now time.Time) (secret, code string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      uint(ttl / time.Second),
		Digits:      otp.DigitsSix,
	})
	if err != nil {
		return "", "", fmt.Errorf("generate otp secret: %w", err)
	}
	code, err = totp.GenerateCodeCustom(key.Secret(), now, validateOpts(ttl))
	if err != nil {
		return "", "", fmt.Errorf("generate otp code: %w", err)
	}
	return key.Secret(), code, nil
}

// Valid reports whether code matches secret at now.
func Valid(secret, code string, ttl time.Duration, now time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, now, validateOpts(ttl))
	return err == nil && ok
}
