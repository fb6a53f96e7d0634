// Package billing turns verified Stripe webhook events into entitlement
// ledger operations.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/rdsconnect/screen-server/internal/audit"
	apperrors "github.com/rdsconnect/screen-server/internal/errors"
	"github.com/rdsconnect/screen-server/internal/metrics"
	"github.com/rdsconnect/screen-server/internal/model"
	"github.com/rdsconnect/screen-server/internal/service"
	"github.com/rdsconnect/screen-server/internal/util"
)

const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventInvoicePaid         = "invoice.paid"
	EventInvoicePaySucceeded = "invoice.payment_succeeded"
	EventInvoicePayFailed    = "invoice.payment_failed"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// Ledger is the part of the entitlement ledger webhooks drive.
type Ledger interface {
	ApplyWebhookEvent(ctx context.Context, ev service.SubscriptionCompleted) (*service.ApplyResult, error)
	CancelSubscription(ctx context.Context, externalID string) (*model.Entitlement, error)
	UpdatePeriod(ctx context.Context, externalID string, start, end *time.Time) error
}

// Fetcher loads the objects a checkout session only references by id.
type Fetcher interface {
	Invoice(ctx context.Context, id string) (*stripe.Invoice, error)
	Subscription(ctx context.Context, id string) (*stripe.Subscription, error)
}

type apiFetcher struct {
	api *client.API
}

// NewFetcher returns a Fetcher backed by the Stripe API.
func NewFetcher(secretKey string) Fetcher {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &apiFetcher{api: api}
}

func (f *apiFetcher) Invoice(ctx context.Context, id string) (*stripe.Invoice, error) {
	params := &stripe.InvoiceParams{}
	params.Context = ctx
	inv, err := f.api.Invoices.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: get invoice %s: %w", id, err)
	}
	return inv, nil
}

func (f *apiFetcher) Subscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := f.api.Subscriptions.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: get subscription %s: %w", id, err)
	}
	return sub, nil
}

type Processor struct {
	secret  string
	ledger  Ledger
	fetcher Fetcher
	metrics *metrics.Metrics
}

func NewProcessor(webhookSecret string, ledger Ledger, fetcher Fetcher, m *metrics.Metrics) *Processor {
	return &Processor{
		secret:  webhookSecret,
		ledger:  ledger,
		fetcher: fetcher,
		metrics: m,
	}
}

// Handle verifies the signature of a raw webhook delivery and applies it.
// Event types the ledger does not care about are acknowledged and ignored.
func (p *Processor) Handle(ctx context.Context, payload []byte, signature string) error {
	if signature == "" {
		p.metrics.WebhookEvent("unknown", "missing_signature")
		return apperrors.InvalidSignature()
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, p.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		p.metrics.WebhookEvent("unknown", "invalid_signature")
		log.Warn().Err(err).Msg("stripe webhook signature verification failed")
		return apperrors.InvalidSignature().WithCause(err)
	}

	eventType := string(event.Type)
	logger := log.With().Str("eventId", event.ID).Str("eventType", eventType).Logger()
	logger.Info().Msg("received verified stripe event")

	err = p.dispatch(ctx, eventType, event.Data.Raw)
	if err != nil {
		p.metrics.WebhookEvent(eventType, string(apperrors.GetCode(err)))
		logger.Error().Err(err).Msg("failed to process stripe event")
		return err
	}
	p.metrics.WebhookEvent(eventType, "ok")
	return nil
}

func (p *Processor) dispatch(ctx context.Context, eventType string, raw json.RawMessage) error {
	switch eventType {
	case EventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return apperrors.InvalidInput("event", "malformed checkout session")
		}
		return p.checkoutCompleted(ctx, &session)

	case EventInvoicePaid, EventInvoicePaySucceeded:
		var inv stripe.Invoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return apperrors.InvalidInput("event", "malformed invoice")
		}
		if inv.Subscription == nil || inv.Subscription.ID == "" {
			log.Debug().Str("invoiceId", inv.ID).Msg("invoice without subscription, ignoring")
			return nil
		}
		start, end := invoicePeriod(&inv)
		return p.ledger.UpdatePeriod(ctx, inv.Subscription.ID, start, end)

	case EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return apperrors.InvalidInput("event", "malformed subscription")
		}
		_, err := p.ledger.CancelSubscription(ctx, sub.ID)
		return err

	case EventInvoicePayFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return apperrors.InvalidInput("event", "malformed invoice")
		}
		event := log.Warn().Str("invoiceId", inv.ID).Str("customerEmail", inv.CustomerEmail)
		if inv.Subscription != nil {
			event = event.Str("subscriptionId", inv.Subscription.ID)
		}
		event.Msg("invoice payment failed")
		return nil

	default:
		log.Debug().Str("eventType", eventType).Msg("ignoring stripe event")
		return nil
	}
}

func (p *Processor) checkoutCompleted(ctx context.Context, session *stripe.CheckoutSession) error {
	if session.Subscription == nil || session.Subscription.ID == "" {
		log.Info().Str("sessionId", session.ID).Msg("checkout without subscription, ignoring")
		return nil
	}

	completed := service.SubscriptionCompleted{
		Email:                  sessionEmail(session),
		ExternalSubscriptionID: session.Subscription.ID,
	}
	if util.IsValidUUID(session.ClientReferenceID) {
		completed.AccountID = session.ClientReferenceID
	}

	if err := p.fillFromStripe(ctx, session, &completed); err != nil {
		return err
	}

	result, err := p.ledger.ApplyWebhookEvent(ctx, completed)
	if err != nil {
		audit.Log(ctx, audit.Event{
			Type:      audit.EventWebhookRejected,
			AccountID: completed.AccountID,
			Details: map[string]interface{}{
				"subscriptionId": completed.ExternalSubscriptionID,
				"productId":      completed.ExternalProductID,
				"reason":         string(apperrors.GetCode(err)),
			},
		})
		return err
	}

	log.Info().
		Str("accountId", result.AccountID).
		Str("subscriptionId", completed.ExternalSubscriptionID).
		Bool("duplicate", result.Duplicate).
		Msg("checkout applied to ledger")
	return nil
}

// fillFromStripe reads product, quantity and period from the session's
// invoice, falling back to the subscription when there is no invoice.
func (p *Processor) fillFromStripe(ctx context.Context, session *stripe.CheckoutSession, out *service.SubscriptionCompleted) error {
	if session.Invoice != nil && session.Invoice.ID != "" {
		inv, err := p.fetcher.Invoice(ctx, session.Invoice.ID)
		if err != nil {
			return apperrors.External("Stripe", err)
		}
		line := firstLine(inv)
		if line == nil || line.Price == nil || line.Price.Product == nil {
			return apperrors.InvalidInput("invoice", "no priced line item")
		}
		out.ExternalProductID = line.Price.Product.ID
		out.Quantity = int(line.Quantity)
		out.PeriodStart, out.PeriodEnd = linePeriod(line)
		if out.Email == "" {
			out.Email = inv.CustomerEmail
		}
		return nil
	}

	sub, err := p.fetcher.Subscription(ctx, session.Subscription.ID)
	if err != nil {
		return apperrors.External("Stripe", err)
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return apperrors.InvalidInput("subscription", "no items")
	}
	item := sub.Items.Data[0]
	if item.Price == nil || item.Price.Product == nil {
		return apperrors.InvalidInput("subscription", "item without product")
	}
	out.ExternalProductID = item.Price.Product.ID
	out.Quantity = int(item.Quantity)
	out.PeriodStart = unixTime(sub.CurrentPeriodStart)
	out.PeriodEnd = unixTime(sub.CurrentPeriodEnd)
	return nil
}

func sessionEmail(session *stripe.CheckoutSession) string {
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		return strings.TrimSpace(session.CustomerDetails.Email)
	}
	return strings.TrimSpace(session.CustomerEmail)
}

func firstLine(inv *stripe.Invoice) *stripe.InvoiceLineItem {
	if inv.Lines == nil || len(inv.Lines.Data) == 0 {
		return nil
	}
	return inv.Lines.Data[0]
}

func linePeriod(line *stripe.InvoiceLineItem) (*time.Time, *time.Time) {
	if line.Period == nil {
		return nil, nil
	}
	return unixTime(line.Period.Start), unixTime(line.Period.End)
}

// invoicePeriod prefers the subscription line's period, which is the
// service period, over the invoice's own billing window.
func invoicePeriod(inv *stripe.Invoice) (*time.Time, *time.Time) {
	if line := firstLine(inv); line != nil && line.Period != nil {
		return linePeriod(line)
	}
	return unixTime(inv.PeriodStart), unixTime(inv.PeriodEnd)
}

func unixTime(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
