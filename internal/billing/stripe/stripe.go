package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checksession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

var ErrInvalidSignature = errors.New("stripe: invalid webhook signature")

// Metadata keys stamped on checkout sessions and subscriptions.
const (
	MetaUserID       = "user_id"
	MetaPlanInterval = "plan_interval"
)

type Config struct {
	SecretKey      string
	WebhookSecret  string
	MonthlyPriceID string
	YearlyPriceID  string
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	return &Client{cfg: cfg}
}

// PriceForInterval returns the configured price id for "month" or "year",
// or "" when the interval is unknown or the price is not configured.
func (c *Client) PriceForInterval(interval string) string {
	switch interval {
	case "month":
		return c.cfg.MonthlyPriceID
	case "year":
		return c.cfg.YearlyPriceID
	}
	return ""
}

// CheckoutSession is the part of a Stripe checkout session the service uses.
type CheckoutSession struct {
	ID                string
	URL               string
	Status            string
	PaymentStatus     string
	CustomerID        string
	SubscriptionID    string
	ClientReferenceID string
	Metadata          map[string]string
	ExpiresAt         time.Time
}

// Open reports whether a customer can still complete the session at now.
func (s *CheckoutSession) Open(now time.Time) bool {
	return s.Status == string(stripe.CheckoutSessionStatusOpen) && s.ExpiresAt.After(now)
}

// Subscription is the part of a Stripe subscription the service uses.
type Subscription struct {
	ID                string
	CustomerID        string
	Status            string
	PriceID           string
	Interval          string
	Metadata          map[string]string
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
}

// CheckoutRequest describes a subscription checkout for one user.
type CheckoutRequest struct {
	UserID         string
	Email          string
	CustomerID     string
	PriceID        string
	Interval       string
	IdempotencyKey string
	SuccessURL     string
	CancelURL      string
}

// CreateCheckoutSession creates a hosted subscription checkout. The user id
// is written to client_reference_id and to both the session and subscription
// metadata so every later webhook can find the user.
func (c *Client) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	meta := map[string]string{
		MetaUserID:       req.UserID,
		MetaPlanInterval: req.Interval,
	}
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		ClientReferenceID:   stripe.String(req.UserID),
		AllowPromotionCodes: stripe.Bool(true),
		SuccessURL:          stripe.String(req.SuccessURL),
		CancelURL:           stripe.String(req.CancelURL),
		Metadata:            meta,
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: meta,
		},
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	} else if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	sess, err := checksession.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return sessionFrom(sess), nil
}

func (c *Client) GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := checksession.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("get checkout session: %w", err)
	}
	return sessionFrom(sess), nil
}

// CreatePortalSession creates a Stripe billing portal session and returns the URL.
func (c *Client) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	sess, err := portalsession.New(params)
	if err != nil {
		return "", fmt.Errorf("create billing portal session: %w", err)
	}
	return sess.URL, nil
}

func (c *Client) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := subscription.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return subscriptionFrom(sub), nil
}

// ListSubscriptions returns every subscription for the customer, in any status.
func (c *Client) ListSubscriptions(ctx context.Context, customerID string) ([]*Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx

	var subs []*Subscription
	it := subscription.List(params)
	for it.Next() {
		subs = append(subs, subscriptionFrom(it.Subscription()))
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

// CancelSubscription cancels immediately.
func (c *Client) CancelSubscription(ctx context.Context, id string) (*Subscription, error) {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	sub, err := subscription.Cancel(id, params)
	if err != nil {
		return nil, fmt.Errorf("cancel subscription: %w", err)
	}
	return subscriptionFrom(sub), nil
}

// Event is a verified webhook event. At most one of CheckoutSession and
// Subscription is set, depending on Type.
type Event struct {
	ID              string
	Type            string
	CheckoutSession *CheckoutSession
	Subscription    *Subscription
}

// ConstructEvent verifies the signature and returns the parsed event.
func (c *Client) ConstructEvent(payload []byte, sigHeader string) (*Event, error) {
	return ParseEvent(payload, sigHeader, c.cfg.WebhookSecret)
}

// ParseEvent verifies payload against secret and decodes the objects the
// service reacts to. The account's API version may differ from the library's.
func ParseEvent(payload []byte, sigHeader, secret string) (*Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &Event{ID: ev.ID, Type: string(ev.Type)}
	switch {
	case out.Type == "checkout.session.completed":
		var s stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		out.CheckoutSession = sessionFrom(&s)
	case strings.HasPrefix(out.Type, "customer.subscription."):
		var s stripe.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		out.Subscription = subscriptionFrom(&s)
	}
	return out, nil
}

func sessionFrom(s *stripe.CheckoutSession) *CheckoutSession {
	out := &CheckoutSession{
		ID:                s.ID,
		URL:               s.URL,
		Status:            string(s.Status),
		PaymentStatus:     string(s.PaymentStatus),
		ClientReferenceID: s.ClientReferenceID,
		Metadata:          s.Metadata,
	}
	if s.ExpiresAt > 0 {
		out.ExpiresAt = time.Unix(s.ExpiresAt, 0).UTC()
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Subscription != nil {
		out.SubscriptionID = s.Subscription.ID
	}
	return out
}

func subscriptionFrom(s *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                s.ID,
		Status:            string(s.Status),
		Metadata:          s.Metadata,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Items != nil && len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		if item.Price != nil {
			out.PriceID = item.Price.ID
			if item.Price.Recurring != nil {
				out.Interval = string(item.Price.Recurring.Interval)
			}
		}
		if item.CurrentPeriodEnd > 0 {
			t := time.Unix(item.CurrentPeriodEnd, 0).UTC()
			out.CurrentPeriodEnd = &t
		}
	}
	return out
}
