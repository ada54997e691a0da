package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v84"
	checkoutsession "github.com/stripe/stripe-go/v84/checkout/session"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/sunny-voice-lab/internal/checkin"
	"github.com/sunny-voice-lab/internal/logging"
)

// webhook payloads are small; anything larger is hostile
const maxWebhookBody = 64 << 10

func initBilling(apiKey string) {
	if apiKey != "" {
		stripe.Key = apiKey
	}
}

// handleCheckout creates a subscription checkout session and hands the
// hosted payment URL back to the dashboard.
func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request, user string) {
	if s.cfg.StripeAPIKey == "" || s.cfg.StripePriceID == "" {
		writeError(w, http.StatusServiceUnavailable, "billing not configured")
		return
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(s.cfg.StripePriceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL: stripe.String(s.cfg.AppBaseURL + "/dashboard?upgrade=success"),
		CancelURL:  stripe.String(s.cfg.AppBaseURL + "/pricing"),
	}
	params.AddMetadata("userId", user)

	sess, err := checkoutsession.New(params)
	if err != nil {
		logging.Errorw("server: checkout session", "err", err, "user.id", user)
		writeError(w, http.StatusBadGateway, "could not create checkout session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": sess.URL})
}

// handleStripeWebhook verifies the event signature and keeps the
// subscription table in step with Stripe. Unhandled event types are
// acknowledged so Stripe stops retrying them.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.StripeWebhookSecret == "" {
		writeError(w, http.StatusBadRequest, "webhook not configured")
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}

	// tolerate API version skew between Stripe and the pinned client
	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), s.cfg.StripeWebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		logging.Warnw("server: webhook signature rejected", "err", err)
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			writeError(w, http.StatusBadRequest, "malformed event payload")
			return
		}
		s.applyCheckoutCompleted(r, cs)
	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			writeError(w, http.StatusBadRequest, "malformed event payload")
			return
		}
		s.applySubscriptionDeleted(r, sub)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (s *Server) applyCheckoutCompleted(r *http.Request, cs stripe.CheckoutSession) {
	userID := cs.Metadata["userId"]
	if userID == "" || s.store == nil {
		return
	}
	sub := checkin.Subscription{
		UserID: userID,
		Plan:   "premium",
		Status: "active",
	}
	if cs.Customer != nil {
		sub.StripeCustomerID = cs.Customer.ID
	}
	if cs.Subscription != nil {
		sub.StripeSubscriptionID = cs.Subscription.ID
	}
	if err := s.store.UpsertSubscription(r.Context(), sub); err != nil {
		logging.Errorw("server: upsert subscription", "err", err, "user.id", userID)
		return
	}
	logging.Infow("server: subscription activated", "user.id", userID)
}

func (s *Server) applySubscriptionDeleted(r *http.Request, sub stripe.Subscription) {
	userID := sub.Metadata["userId"]
	if userID == "" || s.store == nil {
		return
	}
	if err := s.store.DowngradeSubscription(r.Context(), userID); err != nil {
		logging.Errorw("server: downgrade subscription", "err", err, "user.id", userID)
		return
	}
	logging.Infow("server: subscription downgraded", "user.id", userID)
}
