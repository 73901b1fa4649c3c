package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	billingstripe "github.com/dukerupert/academy/internal/billing/stripe"
	"github.com/dukerupert/academy/internal/middleware"
	"github.com/dukerupert/academy/internal/supabase"
)

// Payments is the slice of the Stripe client the handlers use.
type Payments interface {
	PriceForInterval(interval string) string
	CreateCheckoutSession(ctx context.Context, req billingstripe.CheckoutRequest) (*billingstripe.CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, id string) (*billingstripe.CheckoutSession, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	GetSubscription(ctx context.Context, id string) (*billingstripe.Subscription, error)
	ListSubscriptions(ctx context.Context, customerID string) ([]*billingstripe.Subscription, error)
	CancelSubscription(ctx context.Context, id string) (*billingstripe.Subscription, error)
	ConstructEvent(payload []byte, sigHeader string) (*billingstripe.Event, error)
}

// Users is the slice of the Supabase admin API the handlers use.
type Users interface {
	GetUser(ctx context.Context, id string) (*supabase.User, error)
	UpdateAppMetadata(ctx context.Context, id string, md map[string]any) (*supabase.User, error)
	DeleteUser(ctx context.Context, id string) error
}

type errorKind string

const (
	kindConfig     errorKind = "config"
	kindAuth       errorKind = "auth"
	kindValidation errorKind = "validation"
	kindNotFound   errorKind = "not_found"
	kindConflict   errorKind = "conflict"
	kindUpstream   errorKind = "upstream"
)

// apiError is what a handler failure looks like to the client. Message is
// always safe to show; the underlying cause is only logged.
type apiError struct {
	kind    errorKind
	status  int
	message string
}

func (e *apiError) Error() string {
	return string(e.kind) + ": " + e.message
}

func configError(msg string) *apiError {
	return &apiError{kind: kindConfig, status: http.StatusInternalServerError, message: msg}
}

func authError(msg string) *apiError {
	return &apiError{kind: kindAuth, status: http.StatusUnauthorized, message: msg}
}

func validationError(msg string) *apiError {
	return &apiError{kind: kindValidation, status: http.StatusBadRequest, message: msg}
}

func notFoundError(msg string) *apiError {
	return &apiError{kind: kindNotFound, status: http.StatusNotFound, message: msg}
}

func conflictError(msg string) *apiError {
	return &apiError{kind: kindConflict, status: http.StatusConflict, message: msg}
}

func upstreamError(msg string) *apiError {
	return &apiError{kind: kindUpstream, status: http.StatusInternalServerError, message: msg}
}

func writeError(w http.ResponseWriter, e *apiError) {
	middleware.JSONError(w, e.status, e.message)
}

func writeJSON(w http.ResponseWriter, v any) {
	middleware.WriteJSON(w, http.StatusOK, v)
}

const maxJSONBody = 64 << 10

// decodeJSON reads an optional JSON body into v. An empty body leaves v
// untouched.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

type okResponse struct {
	OK bool `json:"ok"`
}
