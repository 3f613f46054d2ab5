package montonio

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	// PaymentWindow bounds how long the issued payment link stays payable.
	// It is carried inside the payload as the expiresAt claim.
	PaymentWindow = 15 * time.Minute
	// linkTokenTTL is the JWT-level expiry of the signed request token,
	// independent of the payment window inside the payload.
	linkTokenTTL = 10 * time.Minute
)

// ErrInvalidToken is returned when an outcome token fails structural checks,
// signature verification, or expiry validation.
var ErrInvalidToken = errors.New("montonio: invalid outcome token")

// PaymentLink describes one hosted payment-link request.
type PaymentLink struct {
	AccessKey         string
	Description       string
	Currency          string
	Amount            float64
	Locale            string
	ExpiresAt         time.Time
	MerchantReference string
	ReturnURL         string
	NotificationURL   string
}

// SignPaymentLink encodes the payment-link request as a compact HS256 token.
func SignPaymentLink(link PaymentLink, signingSecret string, now time.Time) (string, error) {
	token := jwt.New()
	claims := map[string]any{
		"accessKey":         link.AccessKey,
		"description":       link.Description,
		"currency":          link.Currency,
		"amount":            link.Amount,
		"locale":            link.Locale,
		"expiresAt":         link.ExpiresAt.UTC().Format(time.RFC3339),
		"type":              "one_time",
		"merchantReference": link.MerchantReference,
		"returnUrl":         link.ReturnURL,
		"notificationUrl":   link.NotificationURL,
		"askAdditionalInfo": false,
	}
	for name, value := range claims {
		if err := token.Set(name, value); err != nil {
			return "", fmt.Errorf("montonio: set claim %s: %w", name, err)
		}
	}
	if err := token.Set(jwt.IssuedAtKey, now); err != nil {
		return "", fmt.Errorf("montonio: set iat: %w", err)
	}
	if err := token.Set(jwt.ExpirationKey, now.Add(linkTokenTTL)); err != nil {
		return "", fmt.Errorf("montonio: set exp: %w", err)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte(signingSecret)))
	if err != nil {
		return "", fmt.Errorf("montonio: sign payment link: %w", err)
	}
	return string(signed), nil
}

// Outcome is the gateway's determination of a payment attempt, decoded from
// a verified outcome token.
type Outcome struct {
	AccessKey                string
	UUID                     string
	MerchantReferenceDisplay string
	PaymentStatus            string
	GrandTotal               float64
}

// Paid reports whether the outcome is the terminal PAID status.
func (o Outcome) Paid() bool {
	return o.PaymentStatus == "PAID"
}

// PeekAccessKey reads the accessKey claim without verifying the signature.
// The result routes secret selection only; nothing read here may be trusted
// or exposed until VerifyOutcome succeeds with the routed secret.
func PeekAccessKey(token string) (string, error) {
	if err := checkAlgorithm(token); err != nil {
		return "", err
	}
	parsed, err := jwt.ParseString(token, jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	raw, ok := parsed.Get("accessKey")
	if !ok {
		return "", fmt.Errorf("%w: missing accessKey claim", ErrInvalidToken)
	}
	accessKey, ok := raw.(string)
	if !ok || accessKey == "" {
		return "", fmt.Errorf("%w: malformed accessKey claim", ErrInvalidToken)
	}
	return accessKey, nil
}

// VerifyOutcome verifies the token's HS256 signature and expiry with the
// provided secret and decodes the outcome claims.
func VerifyOutcome(token, signingSecret string, now time.Time) (Outcome, error) {
	parsed, err := jwt.ParseString(token,
		jwt.WithKey(jwa.HS256, []byte(signingSecret)),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(func() time.Time { return now })),
	)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return outcomeFromToken(parsed)
}

func outcomeFromToken(token jwt.Token) (Outcome, error) {
	outcome := Outcome{
		AccessKey:                stringClaim(token, "accessKey"),
		UUID:                     stringClaim(token, "uuid"),
		MerchantReferenceDisplay: stringClaim(token, "merchantReferenceDisplay"),
		PaymentStatus:            stringClaim(token, "paymentStatus"),
	}
	total, err := numberClaim(token, "grandTotal")
	if err != nil {
		return Outcome{}, err
	}
	outcome.GrandTotal = total
	if outcome.UUID == "" || outcome.PaymentStatus == "" {
		return Outcome{}, fmt.Errorf("%w: incomplete outcome claims", ErrInvalidToken)
	}
	return outcome, nil
}

func stringClaim(token jwt.Token, name string) string {
	raw, ok := token.Get(name)
	if !ok {
		return ""
	}
	value, _ := raw.(string)
	return value
}

func numberClaim(token jwt.Token, name string) (float64, error) {
	raw, ok := token.Get(name)
	if !ok {
		return 0, fmt.Errorf("%w: missing %s claim", ErrInvalidToken, name)
	}
	switch value := raw.(type) {
	case float64:
		return value, nil
	case int64:
		return float64(value), nil
	case json.Number:
		parsed, err := value.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: malformed %s claim", ErrInvalidToken, name)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("%w: malformed %s claim", ErrInvalidToken, name)
	}
}

// checkAlgorithm rejects tokens whose protected header does not declare
// HS256, in particular alg=none, before any parsing happens.
func checkAlgorithm(token string) error {
	message, err := jws.ParseString(token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	signatures := message.Signatures()
	if len(signatures) == 0 {
		return fmt.Errorf("%w: token contains no signatures", ErrInvalidToken)
	}
	for _, sig := range signatures {
		headers := sig.ProtectedHeaders()
		if headers == nil {
			return fmt.Errorf("%w: token missing protected headers", ErrInvalidToken)
		}
		if alg := headers.Algorithm(); alg != jwa.HS256 {
			return fmt.Errorf("%w: unexpected token algorithm %s", ErrInvalidToken, alg)
		}
	}
	return nil
}
