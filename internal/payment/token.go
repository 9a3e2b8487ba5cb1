package payment

import (
	"errors"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// tokenSkew tolerates small clock drift between us and the token issuer.
const tokenSkew = 30 * time.Second

// checkTokenFresh rejects JWTs whose exp has passed. Opaque tokens and JWTs
// without exp pass; the signature is not ours to verify.
func checkTokenFresh(token string, now time.Time) error {
	tok, err := jwt.ParseInsecure([]byte(token))
	if err != nil {
		return nil
	}
	if tok.Expiration().IsZero() {
		return nil
	}
	err = jwt.Validate(tok,
		jwt.WithClock(jwt.ClockFunc(func() time.Time { return now })),
		jwt.WithAcceptableSkew(tokenSkew),
	)
	if errors.Is(err, jwt.ErrTokenExpired()) {
		return err
	}
	return nil
}
