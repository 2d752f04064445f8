// Package totp generates enrollment keys and verifies time-based one-time
// codes with single-use enforcement per time step.
package totp

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"image/png"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// Period is the width of one time step in seconds.
	Period = 30
	// Skew is the number of steps tolerated on each side of the current one.
	// The accepted window is exactly 2*Skew+1 steps.
	Skew = 1
	// SecretSize is the secret length in bytes (160 bits).
	SecretSize = 20
	// CodeLength is the number of digits in a code.
	CodeLength = 6

	qrSize = 240
)

var (
	ErrInvalidCode  = errors.New("invalid one-time code")
	ErrReplayedCode = errors.New("one-time code already used")
)

// Key is a freshly generated enrollment secret. It is handed out once.
type Key struct {
	Secret          string
	ProvisioningURI string
	QRCodePNG       []byte
}

func NewKey(issuer, account string) (Key, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      Period,
		SecretSize:  SecretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return Key{}, err
	}

	img, err := key.Image(qrSize, qrSize)
	if err != nil {
		return Key{}, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Key{}, err
	}

	return Key{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		QRCodePNG:       buf.Bytes(),
	}, nil
}

// Step returns the time step containing t.
func Step(t time.Time) int64 {
	return t.Unix() / Period
}

// StepStart returns the first instant of a time step.
func StepStart(step int64) time.Time {
	return time.Unix(step*Period, 0).UTC()
}

// CodeAt returns the code for the step containing t.
func CodeAt(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t, validateOpts)
}

var validateOpts = totp.ValidateOpts{
	Period:    Period,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Verifier checks submitted codes. It is stateless; replay state lives with
// the caller and is passed in as lastUsedStep.
type Verifier struct{}

// Validate checks code against the steps k-1, k and k+1 around now. It
// returns the matched step, which the caller must persist as the new
// lastUsedStep in the same transaction as the action the code authorizes.
func (Verifier) Validate(secret, code string, lastUsedStep int64, now time.Time) (int64, error) {
	if !wellFormed(code) || secret == "" {
		return 0, ErrInvalidCode
	}

	current := Step(now)
	matched := int64(-1)
	replayed := false
	// Every candidate is compared so timing does not reveal which step matched.
	for step := current - Skew; step <= current+Skew; step++ {
		if step < 0 {
			continue
		}
		expected, err := totp.GenerateCodeCustom(secret, StepStart(step), validateOpts)
		if err != nil {
			return 0, ErrInvalidCode
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) != 1 {
			continue
		}
		if step <= lastUsedStep {
			replayed = true
			continue
		}
		matched = step
	}

	switch {
	case matched >= 0:
		return matched, nil
	case replayed:
		return 0, ErrReplayedCode
	default:
		return 0, ErrInvalidCode
	}
}

func wellFormed(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
