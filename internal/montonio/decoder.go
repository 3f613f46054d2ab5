package montonio

import (
	"context"
	"time"
)

// TokenDecoder turns an opaque outcome token into a trusted Outcome using the
// peek-then-verify scheme: the unverified accessKey claim routes secret
// selection, then the token must verify in full against the routed secret.
type TokenDecoder struct {
	Source CredentialSource
	Now    func() time.Time
}

// Decode verifies and decodes an outcome token. The returned outcome is
// trusted; any failure means nothing from the token may be acted on.
func (d TokenDecoder) Decode(ctx context.Context, token string) (Outcome, error) {
	accessKey, err := PeekAccessKey(token)
	if err != nil {
		return Outcome{}, err
	}
	creds, err := d.Source.Identify(ctx, accessKey)
	if err != nil {
		return Outcome{}, err
	}
	return VerifyOutcome(token, creds.SigningSecret, d.now())
}

func (d TokenDecoder) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}
