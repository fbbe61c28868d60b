package codes

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"

	"keyline.org/internal/storage"
)

const otpDigits = 6

// CreateOTP issues an OTP code. The returned value is never stored; only its hash is.
func (i *Issuer) CreateOTP(ctx context.Context, tenantID string, p Payload) (storage.Code, string, error) {
	value, err := randomDigits(otpDigits)
	if err != nil {
		return storage.Code{}, "", err
	}
	code, err := i.create(ctx, tenantID, storage.CodeOTP, p, hashSecret(value))
	if err != nil {
		return storage.Code{}, "", err
	}
	return code, value, nil
}

// VerifyOTP checks value against the OTP code id and consumes it on a match.
// A mismatch leaves the code usable until it expires.
func (i *Issuer) VerifyOTP(ctx context.Context, tenantID, id, value string) (storage.Code, error) {
	code, err := i.store.Codes().Get(ctx, tenantID, id, storage.CodeOTP)
	if err != nil {
		return storage.Code{}, err
	}
	if code == nil {
		return storage.Code{}, ErrNotFound
	}
	if subtle.ConstantTimeCompare([]byte(code.SecretHash), []byte(hashSecret(value))) != 1 {
		return storage.Code{}, fmt.Errorf("%w: otp mismatch", ErrInvalidGrant)
	}
	return i.Consume(ctx, tenantID, id, storage.CodeOTP)
}

func randomDigits(n int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
	v, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", n, v), nil
}
