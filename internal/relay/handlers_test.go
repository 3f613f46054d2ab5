package relay_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payment-relay/internal/montonio"
	"github.com/noah-isme/payment-relay/internal/relay"
	"github.com/noah-isme/payment-relay/internal/replay"
	"github.com/noah-isme/payment-relay/internal/secrets"
	"github.com/noah-isme/payment-relay/internal/tilda"
)

type gatewayCall struct {
	path  string
	token string
}

// fixture wires the handler against in-process fakes for the secret store,
// the payment gateway and the forms notification endpoint.
type fixture struct {
	handler       *relay.Handler
	gatewayCalls  *[]gatewayCall
	notifications *[]tilda.Notification
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	store := secrets.Static{
		"TILDA_SECRET": "secret",
		"SB_KEY":       "sb-access",
		"SB_SECRET":    "sb-signing",
		"PROD_KEY":     "prod-access",
		"PROD_SECRET":  "prod-signing",
	}

	gatewayCalls := &[]gatewayCall{}
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Data string `json:"data"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		*gatewayCalls = append(*gatewayCalls, gatewayCall{path: r.URL.Path, token: body.Data})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"url": "https://pay.example/session-1"})
	}))
	t.Cleanup(gateway.Close)

	notifications := &[]tilda.Notification{}
	forms := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var notification tilda.Notification
		require.NoError(t, json.NewDecoder(r.Body).Decode(&notification))
		*notifications = append(*notifications, notification)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(forms.Close)

	source := montonio.CredentialSource{
		Secrets:              store,
		SandboxKeyName:       "SB_KEY",
		SandboxSecretName:    "SB_SECRET",
		SandboxBaseURL:       gateway.URL,
		ProductionKeyName:    "PROD_KEY",
		ProductionSecretName: "PROD_SECRET",
		ProductionBaseURL:    gateway.URL,
	}

	handler := &relay.Handler{
		Secrets:           store,
		TildaSecretName:   "TILDA_SECRET",
		Credentials:       source,
		Gateway:           &montonio.Client{HTTP: gateway.Client()},
		Decoder:           montonio.TokenDecoder{Source: source},
		Notifier:          tilda.Notifier{URL: forms.URL, Client: forms.Client()},
		SuccessURL:        "https://shop.example/thanks",
		PaymentNotDoneURL: "https://shop.example/not-done",
		Logger:            zerolog.Nop(),
	}
	return fixture{handler: handler, gatewayCalls: gatewayCalls, notifications: notifications}
}

func orderForm(secret string) url.Values {
	form := url.Values{}
	form.Set("amount", "12.50")
	form.Set("merchant_reference", "ref1")
	form.Set("currency", "EUR")
	form.Set("lang_", "et")
	form.Set("payment_information_unstructured", "Order #1")
	form.Set("merchant_return_url", "https://relay.example/callback")
	form.Set("test_mode_", "true")
	form.Set("signature", tilda.OrderSignature("12.50", "ref1", secret))
	return form
}

func postForm(h *relay.Handler, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/order", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.Order(rec, req)
	return rec
}

func TestOrderRedirectsToSandboxPaymentLink(t *testing.T) {
	fx := newFixture(t)

	rec := postForm(fx.handler, orderForm("secret"))
	require.Equal(t, http.StatusMovedPermanently, rec.Code)
	require.Equal(t, "https://pay.example/session-1", rec.Header().Get("Location"))

	require.Len(t, *fx.gatewayCalls, 1)
	call := (*fx.gatewayCalls)[0]
	require.Equal(t, "/payment-links", call.path)

	parsed, err := jwt.ParseString(call.token,
		jwt.WithKey(jwa.HS256, []byte("sb-signing")),
		jwt.WithValidate(true),
	)
	require.NoError(t, err)
	accessKey, ok := parsed.Get("accessKey")
	require.True(t, ok)
	require.Equal(t, "sb-access", accessKey)
	amount, ok := parsed.Get("amount")
	require.True(t, ok)
	require.Equal(t, 12.5, amount)
	notificationURL, ok := parsed.Get("notificationUrl")
	require.True(t, ok)
	require.Equal(t, "https://relay.example/notification", notificationURL)
}

func TestOrderUsesProductionCredentialsByDefault(t *testing.T) {
	fx := newFixture(t)

	form := orderForm("secret")
	form.Set("test_mode_", "false")
	rec := postForm(fx.handler, form)
	require.Equal(t, http.StatusMovedPermanently, rec.Code)

	require.Len(t, *fx.gatewayCalls, 1)
	_, err := jwt.ParseString((*fx.gatewayCalls)[0].token,
		jwt.WithKey(jwa.HS256, []byte("prod-signing")),
		jwt.WithValidate(true),
	)
	require.NoError(t, err)
}

func TestOrderWrongSignature(t *testing.T) {
	fx := newFixture(t)

	form := orderForm("secret")
	form.Set("signature", "deadbeef")
	rec := postForm(fx.handler, form)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "Wrong signature")
	require.Empty(t, *fx.gatewayCalls)
}

// Signatures are computed over the raw strings, so "12.5" and "12.50" are
// different orders as far as verification is concerned.
func TestOrderSignatureNotNormalised(t *testing.T) {
	fx := newFixture(t)

	form := orderForm("secret")
	form.Set("amount", "12.5")
	rec := postForm(fx.handler, form)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, *fx.gatewayCalls)
}

func TestOrderRejectsIncompleteSubmission(t *testing.T) {
	fx := newFixture(t)

	form := orderForm("secret")
	form.Del("merchant_reference")
	rec := postForm(fx.handler, form)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, *fx.gatewayCalls)
}

func TestOrderSecretLookupFailure(t *testing.T) {
	fx := newFixture(t)
	fx.handler.TildaSecretName = "MISSING"

	rec := postForm(fx.handler, orderForm("secret"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "SECRET_LOOKUP")
	require.Empty(t, *fx.gatewayCalls)
}

func TestOrderGatewayErrorIsNotRetried(t *testing.T) {
	fx := newFixture(t)
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(broken.Close)
	fx.handler.Credentials.SandboxBaseURL = broken.URL
	fx.handler.Gateway = &montonio.Client{HTTP: broken.Client()}

	rec := postForm(fx.handler, orderForm("secret"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "GATEWAY_ERROR")
}

func signedOutcome(t *testing.T, secret string, claims map[string]any) string {
	t.Helper()
	now := time.Now()
	builder := jwt.NewBuilder().
		IssuedAt(now).
		Expiration(now.Add(10 * time.Minute))
	for name, value := range claims {
		builder = builder.Claim(name, value)
	}
	token, err := builder.Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte(secret)))
	require.NoError(t, err)
	return string(signed)
}

func getCallback(h *relay.Handler, token string) *httptest.ResponseRecorder {
	target := "/callback"
	if token != "" {
		target += "?order-token=" + url.QueryEscape(token)
	}
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.Callback(rec, req)
	return rec
}

func TestCallbackPaidRedirectsToSuccess(t *testing.T) {
	fx := newFixture(t)
	token := signedOutcome(t, "sb-signing", map[string]any{
		"accessKey":     "sb-access",
		"uuid":          "u1",
		"paymentStatus": "PAID",
		"grandTotal":    12.5,
	})

	rec := getCallback(fx.handler, token)
	require.Equal(t, http.StatusMovedPermanently, rec.Code)
	require.Equal(t, "https://shop.example/thanks", rec.Header().Get("Location"))
	require.Empty(t, *fx.notifications)
}

func TestCallbackNonPaidStatusesRedirectToNotDone(t *testing.T) {
	fx := newFixture(t)
	for _, status := range []string{"PENDING", "CANCELLED", "ABANDONED"} {
		token := signedOutcome(t, "sb-signing", map[string]any{
			"accessKey":     "sb-access",
			"uuid":          "u1",
			"paymentStatus": status,
			"grandTotal":    12.5,
		})
		rec := getCallback(fx.handler, token)
		require.Equal(t, http.StatusMovedPermanently, rec.Code, status)
		require.Equal(t, "https://shop.example/not-done", rec.Header().Get("Location"), status)
	}
}

func TestCallbackMissingToken(t *testing.T) {
	fx := newFixture(t)
	rec := getCallback(fx.handler, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackInvalidToken(t *testing.T) {
	fx := newFixture(t)
	rec := getCallback(fx.handler, "not-a-token")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "INVALID_TOKEN")
}

func TestCallbackUnknownSigner(t *testing.T) {
	fx := newFixture(t)
	token := signedOutcome(t, "other-signing", map[string]any{
		"accessKey":     "somebody-else",
		"uuid":          "u1",
		"paymentStatus": "PAID",
		"grandTotal":    12.5,
	})

	rec := getCallback(fx.handler, token)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "UNKNOWN_SIGNER")
}

func postNotification(h *relay.Handler, token string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(map[string]string{"orderToken": token})
	req := httptest.NewRequest(http.MethodPost, "/notification", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.Notification(rec, req)
	return rec
}

func TestNotificationRelaysVerifiedOutcome(t *testing.T) {
	fx := newFixture(t)
	token := signedOutcome(t, "sb-signing", map[string]any{
		"accessKey":                "sb-access",
		"uuid":                     "u1",
		"merchantReferenceDisplay": "ref1",
		"paymentStatus":            "PAID",
		"grandTotal":               12.5,
	})

	rec := postNotification(fx.handler, token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"received":true`)

	require.Len(t, *fx.notifications, 1)
	delivered := (*fx.notifications)[0]
	require.Equal(t, "u1", delivered.UUID)
	require.Equal(t, "ref1", delivered.MerchantReference)
	require.Equal(t, "PAID", delivered.Status)
	require.Equal(t, "12.5", delivered.Amount)
	require.Equal(t, tilda.NotificationSignature("u1", "ref1", "PAID", "secret"), delivered.Signature)
}

func TestNotificationUnknownSignerNothingDelivered(t *testing.T) {
	fx := newFixture(t)
	token := signedOutcome(t, "other-signing", map[string]any{
		"accessKey":     "somebody-else",
		"uuid":          "u1",
		"paymentStatus": "PAID",
		"grandTotal":    12.5,
	})

	rec := postNotification(fx.handler, token)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "UNKNOWN_SIGNER")
	require.Empty(t, *fx.notifications)
}

func TestNotificationMissingToken(t *testing.T) {
	fx := newFixture(t)
	rec := postNotification(fx.handler, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotificationDeliveryFailure(t *testing.T) {
	fx := newFixture(t)
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(broken.Close)
	fx.handler.Notifier = tilda.Notifier{URL: broken.URL, Client: broken.Client()}

	token := signedOutcome(t, "sb-signing", map[string]any{
		"accessKey":                "sb-access",
		"uuid":                     "u1",
		"merchantReferenceDisplay": "ref1",
		"paymentStatus":            "PAID",
		"grandTotal":               12.5,
	})
	rec := postNotification(fx.handler, token)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "NOTIFICATION_DELIVERY")
}

func TestNotificationDuplicateSuppressed(t *testing.T) {
	fx := newFixture(t)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	fx.handler.Replay = replay.Redis{Client: client}
	fx.handler.ReplayTTL = 24 * time.Hour

	token := signedOutcome(t, "sb-signing", map[string]any{
		"accessKey":                "sb-access",
		"uuid":                     "u1",
		"merchantReferenceDisplay": "ref1",
		"paymentStatus":            "PAID",
		"grandTotal":               12.5,
	})

	rec := postNotification(fx.handler, token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, *fx.notifications, 1)

	rec = postNotification(fx.handler, token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"duplicate":true`)
	require.Len(t, *fx.notifications, 1)

	// A different status for the same payment is a distinct delivery.
	refund := signedOutcome(t, "sb-signing", map[string]any{
		"accessKey":                "sb-access",
		"uuid":                     "u1",
		"merchantReferenceDisplay": "ref1",
		"paymentStatus":            "REFUNDED",
		"grandTotal":               12.5,
	})
	rec = postNotification(fx.handler, refund)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, *fx.notifications, 2)

	require.NoError(t, fx.handler.Replay.(replay.Redis).Release(context.Background(), "notify:u1:PAID"))
}

// A failed delivery must give the guard key back: the gateway redelivers on
// our 500, and that redelivery has to reach Tilda once the forms endpoint
// recovers instead of being answered as a duplicate.
func TestNotificationRedeliveredAfterFailedDelivery(t *testing.T) {
	fx := newFixture(t)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	fx.handler.Replay = replay.Redis{Client: client}
	fx.handler.ReplayTTL = 24 * time.Hour

	working := fx.handler.Notifier
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(broken.Close)
	fx.handler.Notifier = tilda.Notifier{URL: broken.URL, Client: broken.Client()}

	token := signedOutcome(t, "sb-signing", map[string]any{
		"accessKey":                "sb-access",
		"uuid":                     "u1",
		"merchantReferenceDisplay": "ref1",
		"paymentStatus":            "PAID",
		"grandTotal":               12.5,
	})

	rec := postNotification(fx.handler, token)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Empty(t, *fx.notifications)

	// The forms endpoint recovers and the gateway redelivers the same token.
	fx.handler.Notifier = working
	rec = postNotification(fx.handler, token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "duplicate")
	require.Len(t, *fx.notifications, 1)

	// Only now does the guard hold.
	rec = postNotification(fx.handler, token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"duplicate":true`)
	require.Len(t, *fx.notifications, 1)
}

// A secret-store failure after the guard is taken behaves the same way.
func TestNotificationRedeliveredAfterSecretFailure(t *testing.T) {
	fx := newFixture(t)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	fx.handler.Replay = replay.Redis{Client: client}
	fx.handler.ReplayTTL = 24 * time.Hour

	token := signedOutcome(t, "sb-signing", map[string]any{
		"accessKey":                "sb-access",
		"uuid":                     "u1",
		"merchantReferenceDisplay": "ref1",
		"paymentStatus":            "PAID",
		"grandTotal":               12.5,
	})

	fx.handler.TildaSecretName = "MISSING"
	rec := postNotification(fx.handler, token)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Empty(t, *fx.notifications)

	fx.handler.TildaSecretName = "TILDA_SECRET"
	rec = postNotification(fx.handler, token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "duplicate")
	require.Len(t, *fx.notifications, 1)
}
