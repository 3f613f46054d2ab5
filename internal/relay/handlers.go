package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/payment-relay/internal/common"
	"github.com/noah-isme/payment-relay/internal/montonio"
	"github.com/noah-isme/payment-relay/internal/obs"
	"github.com/noah-isme/payment-relay/internal/replay"
	"github.com/noah-isme/payment-relay/internal/secrets"
	"github.com/noah-isme/payment-relay/internal/tilda"
)

// Handler exposes the three relay endpoints: order intake, shopper callback,
// and the gateway's server-to-server notification.
type Handler struct {
	Secrets         secrets.Store
	TildaSecretName string

	Credentials montonio.CredentialSource
	Gateway     *montonio.Client
	Decoder     montonio.TokenDecoder

	Notifier tilda.Notifier

	SuccessURL        string
	PaymentNotDoneURL string

	Replay    replay.Protector
	ReplayTTL time.Duration

	Logger zerolog.Logger
	Now    func() time.Time
}

// Order verifies an inbound Tilda order and redirects the shopper to a
// freshly issued Montonio payment link.
func (h *Handler) Order(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		common.WriteError(w, common.BadRequest("INVALID_BODY", "unable to parse form body"))
		return
	}
	order := tilda.ParseOrder(r.PostForm)
	if err := order.Validate(); err != nil {
		countOrder("invalid")
		common.WriteError(w, common.BadRequest("INVALID_ORDER", "missing or malformed order fields"))
		return
	}

	tildaSecret, err := h.Secrets.Get(ctx, h.TildaSecretName, true)
	if err != nil {
		h.Logger.Error().Err(err).Msg("fetch tilda secret")
		countOrder("secret_error")
		common.WriteError(w, common.Internal("SECRET_LOOKUP", "secret store unavailable", err))
		return
	}
	if !tilda.VerifyOrder(order, tildaSecret) {
		h.Logger.Warn().Str("merchant_reference", order.MerchantReference).Msg("order signature mismatch")
		countOrder("wrong_signature")
		common.WriteError(w, common.BadRequest("WRONG_SIGNATURE", "Wrong signature"))
		return
	}

	creds, err := h.Credentials.Select(ctx, order.TestMode)
	if err != nil {
		h.Logger.Error().Err(err).Msg("select gateway credentials")
		countOrder("secret_error")
		common.WriteError(w, common.Internal("SECRET_LOOKUP", "secret store unavailable", err))
		return
	}

	amount, err := strconv.ParseFloat(order.Amount, 64)
	if err != nil {
		countOrder("invalid")
		common.WriteError(w, common.BadRequest("INVALID_ORDER", "amount is not numeric"))
		return
	}

	link := montonio.PaymentLink{
		AccessKey:         creds.AccessKey,
		Description:       order.Description,
		Currency:          order.Currency,
		Amount:            amount,
		Locale:            order.Locale,
		ExpiresAt:         h.now().Add(montonio.PaymentWindow),
		MerchantReference: order.MerchantReference,
		ReturnURL:         order.ReturnURL,
		NotificationURL:   order.NotificationURL(),
	}
	url, err := h.Gateway.CreatePaymentLink(ctx, creds, link)
	if err != nil {
		h.Logger.Error().Err(err).Str("environment", string(creds.Environment)).Msg("create payment link")
		countOrder("gateway_error")
		common.WriteError(w, common.Internal("GATEWAY_ERROR", "payment gateway request failed", err))
		return
	}

	h.Logger.Info().
		Str("merchant_reference", order.MerchantReference).
		Str("environment", string(creds.Environment)).
		Msg("payment link issued")
	countOrder("accepted")
	if obs.PaymentLinksIssued != nil {
		obs.PaymentLinksIssued.WithLabelValues(string(creds.Environment)).Inc()
	}
	http.Redirect(w, r, url, http.StatusMovedPermanently)
}

// Callback resolves the shopper-facing return redirect from the outcome token.
// No notification is sent on this path.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("order-token"))
	if token == "" {
		common.WriteError(w, common.BadRequest("MISSING_TOKEN", "order-token query parameter is required"))
		return
	}
	outcome, err := h.Decoder.Decode(r.Context(), token)
	if err != nil {
		common.WriteError(w, h.decodeError(err))
		return
	}
	countOutcome("verified")

	target := h.PaymentNotDoneURL
	if outcome.Paid() {
		target = h.SuccessURL
	}
	h.Logger.Info().
		Str("uuid", outcome.UUID).
		Str("status", outcome.PaymentStatus).
		Msg("callback resolved")
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

type notificationRequest struct {
	OrderToken string `json:"orderToken"`
}

// Notification relays a verified gateway outcome to the Tilda forms endpoint.
func (h *Handler) Notification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req notificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.WriteError(w, common.BadRequest("INVALID_BODY", "unable to parse notification body"))
		return
	}
	token := strings.TrimSpace(req.OrderToken)
	if token == "" {
		common.WriteError(w, common.BadRequest("MISSING_TOKEN", "orderToken is required"))
		return
	}
	outcome, err := h.Decoder.Decode(ctx, token)
	if err != nil {
		common.WriteError(w, h.decodeError(err))
		return
	}
	countOutcome("verified")

	var replayKey string
	if h.Replay != nil && h.ReplayTTL > 0 {
		replayKey = fmt.Sprintf("notify:%s:%s", outcome.UUID, outcome.PaymentStatus)
		acquired, err := h.Replay.Acquire(ctx, replayKey, h.ReplayTTL)
		if err != nil {
			h.Logger.Error().Err(err).Msg("replay guard")
			common.WriteError(w, common.Internal("REPLAY_STORE_ERROR", "replay guard unavailable", err))
			return
		}
		if !acquired {
			h.Logger.Info().Str("uuid", outcome.UUID).Msg("duplicate notification suppressed")
			countNotification("duplicate")
			common.JSON(w, http.StatusOK, map[string]any{"received": true, "duplicate": true})
			return
		}
	}

	tildaSecret, err := h.Secrets.Get(ctx, h.TildaSecretName, true)
	if err != nil {
		h.Logger.Error().Err(err).Msg("fetch tilda secret")
		h.releaseReplay(ctx, replayKey)
		common.WriteError(w, common.Internal("SECRET_LOOKUP", "secret store unavailable", err))
		return
	}

	notification := tilda.Notification{
		UUID:              outcome.UUID,
		MerchantReference: outcome.MerchantReferenceDisplay,
		Status:            outcome.PaymentStatus,
		Amount:            formatAmount(outcome.GrandTotal),
	}
	notification.Signature = tilda.NotificationSignature(
		notification.UUID, notification.MerchantReference, notification.Status, tildaSecret)

	if err := h.Notifier.Send(ctx, notification); err != nil {
		h.Logger.Error().Err(err).Str("uuid", outcome.UUID).Msg("relay notification")
		// The guard must not outlive a failed delivery, or the gateway's
		// redelivery would be suppressed while Tilda heard nothing.
		h.releaseReplay(ctx, replayKey)
		countNotification("error")
		common.WriteError(w, common.Internal("NOTIFICATION_DELIVERY", "notification delivery failed", err))
		return
	}

	h.Logger.Info().
		Str("uuid", outcome.UUID).
		Str("status", outcome.PaymentStatus).
		Msg("notification relayed")
	countNotification("delivered")
	common.JSON(w, http.StatusOK, map[string]any{"received": true})
}

// decodeError maps a token decoding failure onto the error taxonomy.
func (h *Handler) decodeError(err error) *common.AppError {
	switch {
	case errors.Is(err, montonio.ErrUnknownSigner):
		countOutcome("unknown_signer")
		return common.Unauthorized("UNKNOWN_SIGNER", "token signed by unknown access key")
	case errors.Is(err, montonio.ErrInvalidToken):
		countOutcome("invalid")
		return common.Unauthorized("INVALID_TOKEN", "outcome token verification failed")
	default:
		h.Logger.Error().Err(err).Msg("decode outcome token")
		countOutcome("secret_error")
		return common.Internal("SECRET_LOOKUP", "secret store unavailable", err)
	}
}

func (h *Handler) releaseReplay(ctx context.Context, key string) {
	if key == "" || h.Replay == nil {
		return
	}
	if err := h.Replay.Release(ctx, key); err != nil {
		h.Logger.Error().Err(err).Str("key", key).Msg("release replay guard")
	}
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// formatAmount renders the gateway total the way Tilda expects it: minimal
// decimal form, so 12.5 stays "12.5" and 10 stays "10".
func formatAmount(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

func countOrder(result string) {
	if obs.OrdersTotal != nil {
		obs.OrdersTotal.WithLabelValues(result).Inc()
	}
}

func countOutcome(result string) {
	if obs.OutcomeTokensTotal != nil {
		obs.OutcomeTokensTotal.WithLabelValues(result).Inc()
	}
}

func countNotification(result string) {
	if obs.NotificationsRelayed != nil {
		obs.NotificationsRelayed.WithLabelValues(result).Inc()
	}
}
