// Package supabase talks to the Supabase auth (GoTrue) API: bearer token
// lookup and the admin user endpoints used for subscription state and
// account deletion.
package supabase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	gotrue "github.com/supabase-community/gotrue-go"
	"github.com/supabase-community/gotrue-go/types"

	"github.com/dukerupert/academy/internal/auth"
)

var (
	ErrNotFound     = errors.New("supabase: user not found")
	ErrUnauthorized = errors.New("supabase: invalid or expired token")
)

// APIError is a non-2xx reply from the auth API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("supabase: status %d: %s", e.Status, e.Body)
}

// User is the subset of a GoTrue user this service reads.
type User struct {
	ID           string
	Email        string
	AppMetadata  map[string]any
	UserMetadata map[string]any
}

// TokenVerifier turns a bearer token into an identity.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (auth.Identity, error)
}

type Client struct {
	auth       gotrue.Client
	serviceKey string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// NewClient targets the auth API under baseURL (the project URL, without
// /auth/v1).
func NewClient(baseURL, serviceKey string, opts ...Option) *Client {
	c := &Client{
		auth:       gotrue.New("", serviceKey).WithCustomGoTrueURL(strings.TrimRight(baseURL, "/") + "/auth/v1"),
		serviceKey: serviceKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetUserByToken resolves the user a session token belongs to.
func (c *Client) GetUserByToken(ctx context.Context, token string) (*User, error) {
	cl, tr := c.session(ctx, token)
	resp, err := cl.GetUser()
	if err != nil {
		if tr.status == http.StatusUnauthorized || tr.status == http.StatusForbidden {
			return nil, ErrUnauthorized
		}
		return nil, tr.wrap("get user by token", err)
	}
	if resp.ID == uuid.Nil {
		return nil, ErrUnauthorized
	}
	return fromGoTrue(resp.User), nil
}

// VerifyToken checks the token against the auth server.
func (c *Client) VerifyToken(ctx context.Context, token string) (auth.Identity, error) {
	u, err := c.GetUserByToken(ctx, token)
	if err != nil {
		return auth.Identity{}, err
	}
	return auth.Identity{UserID: u.ID, Email: u.Email}, nil
}

func (c *Client) GetUser(ctx context.Context, id string) (*User, error) {
	uid, err := parseUserID(id)
	if err != nil {
		return nil, err
	}
	cl, tr := c.session(ctx, c.serviceKey)
	resp, err := cl.AdminGetUser(types.AdminGetUserRequest{UserID: uid})
	if err != nil {
		return nil, notFound(tr.wrap("get user", err))
	}
	return fromGoTrue(resp.User), nil
}

// UpdateAppMetadata writes md to the user's app_metadata. The auth server
// merges it key by key; a nil value removes that key.
func (c *Client) UpdateAppMetadata(ctx context.Context, id string, md map[string]any) (*User, error) {
	uid, err := parseUserID(id)
	if err != nil {
		return nil, err
	}
	cl, tr := c.session(ctx, c.serviceKey)
	resp, err := cl.AdminUpdateUser(types.AdminUpdateUserRequest{UserID: uid, AppMetadata: md})
	if err != nil {
		return nil, notFound(tr.wrap("update app metadata", err))
	}
	return fromGoTrue(resp.User), nil
}

func (c *Client) DeleteUser(ctx context.Context, id string) error {
	uid, err := parseUserID(id)
	if err != nil {
		return err
	}
	cl, tr := c.session(ctx, c.serviceKey)
	if err := cl.AdminDeleteUser(types.AdminDeleteUserRequest{UserID: uid}); err != nil {
		return notFound(tr.wrap("delete user", err))
	}
	return nil
}

// session returns a GoTrue client bound to ctx and bearer token. The auth
// library takes no context and reports failures as plain errors, so each
// call gets its own transport that carries ctx and records the reply status.
func (c *Client) session(ctx context.Context, token string) (gotrue.Client, *statusTransport) {
	tr := &statusTransport{base: c.httpClient.Transport, ctx: ctx}
	hc := http.Client{Transport: tr, Timeout: c.httpClient.Timeout}
	return c.auth.WithClient(hc).WithToken(token), tr
}

type statusTransport struct {
	base   http.RoundTripper
	ctx    context.Context
	status int
}

func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req.WithContext(t.ctx))
	if err != nil {
		return nil, err
	}
	t.status = resp.StatusCode
	return resp, nil
}

func (t *statusTransport) wrap(op string, err error) error {
	if t.status >= 400 {
		return fmt.Errorf("%s: %w", op, &APIError{Status: t.status, Body: err.Error()})
	}
	return fmt.Errorf("%s: %w", op, err)
}

// parseUserID rejects ids that cannot name a GoTrue user.
func parseUserID(id string) (uuid.UUID, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("user %q: %w", id, ErrNotFound)
	}
	return uid, nil
}

func notFound(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func fromGoTrue(u types.User) *User {
	return &User{
		ID:           u.ID.String(),
		Email:        u.Email,
		AppMetadata:  u.AppMetadata,
		UserMetadata: u.UserMetadata,
	}
}
