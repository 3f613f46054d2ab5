package tilda

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Order is an untrusted order submission from a Tilda custom-payment form.
// Field values are kept exactly as received: the signature digest is computed
// over the raw strings, so no normalisation may happen before verification.
type Order struct {
	Amount            string `validate:"required,numeric"`
	MerchantReference string `validate:"required"`
	Currency          string
	Locale            string
	Description       string
	ReturnURL         string `validate:"required,url"`
	TestMode          string
	Signature         string `validate:"required"`
}

// ParseOrder maps the url-encoded form fields Tilda submits onto an Order.
func ParseOrder(values url.Values) Order {
	return Order{
		Amount:            values.Get("amount"),
		MerchantReference: values.Get("merchant_reference"),
		Currency:          values.Get("currency"),
		Locale:            values.Get("lang_"),
		Description:       values.Get("payment_information_unstructured"),
		ReturnURL:         values.Get("merchant_return_url"),
		TestMode:          values.Get("test_mode_"),
		Signature:         values.Get("signature"),
	}
}

// Validate checks structural requirements before any cryptographic work.
func (o Order) Validate() error {
	return validate.Struct(o)
}

// NotificationURL derives the server-to-server notification target from the
// shopper return URL.
func (o Order) NotificationURL() string {
	return strings.Replace(o.ReturnURL, "callback", "notification", 1)
}

// OrderSignature computes the digest Tilda attaches to an order submission.
func OrderSignature(amount, merchantReference, secret string) string {
	return digestHex(amount, merchantReference, secret)
}

// VerifyOrder reports whether the order's signature matches the shared secret.
func VerifyOrder(o Order, secret string) bool {
	expected := OrderSignature(o.Amount, o.MerchantReference, secret)
	return hmac.Equal([]byte(expected), []byte(o.Signature))
}

// digestHex is the Tilda signature scheme: sha256 over the parts joined with
// "|", lowercase hex. The shared secret rides along as the final part.
func digestHex(parts ...string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h.Sum(nil))
}
