package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"controlplane/internal/util"
)

var (
	// ErrInvalidSession means the credential does not resolve to a live session.
	ErrInvalidSession = errors.New("invalid or expired session")
	// ErrNotFound is returned when the provider has no such user or session.
	ErrNotFound = errors.New("identity not found")
)

// Session is a verified, live identity-provider session.
type Session struct {
	IdentityRef string
	SessionID   string
	Email       string
}

// User is the provider-side view of an account.
type User struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	Role      string
	Banned    bool
}

// CreateUserParams describes a new provider account.
type CreateUserParams struct {
	Email     string
	FirstName string
	LastName  string
	Password  string
	Role      string
}

// Provider is the identity-provider surface the control plane depends on.
type Provider interface {
	VerifySession(ctx context.Context, token string) (*Session, error)
	GetUser(ctx context.Context, identityRef string) (*User, error)
	CreateUser(ctx context.Context, p CreateUserParams) (*User, error)
	DeleteUser(ctx context.Context, identityRef string) error
	SetRole(ctx context.Context, identityRef, role string) error
	BanUser(ctx context.Context, identityRef string) error
	UnbanUser(ctx context.Context, identityRef string) error
}

// Client talks to the identity provider's backend API.
type Client struct {
	baseURL   string
	secretKey string
	tokens    *util.TokenVerifier
	http      *http.Client
}

// NewClient creates a backend API client. jwtKey verifies session tokens locally and is
// either an HMAC secret or a PEM-encoded public key.
func NewClient(baseURL, secretKey, jwtKey string) (*Client, error) {
	tokens, err := util.NewTokenVerifier(jwtKey)
	if err != nil {
		return nil, fmt.Errorf("identity token key: %w", err)
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		tokens:    tokens,
		http:      &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type emailAddress struct {
	ID           string `json:"id"`
	EmailAddress string `json:"email_address"`
}

type userResponse struct {
	ID                    string         `json:"id"`
	FirstName             string         `json:"first_name"`
	LastName              string         `json:"last_name"`
	Banned                bool           `json:"banned"`
	PrimaryEmailAddressID string         `json:"primary_email_address_id"`
	EmailAddresses        []emailAddress `json:"email_addresses"`
	PublicMetadata        map[string]any `json:"public_metadata"`
}

func (u *userResponse) toUser() *User {
	out := &User{ID: u.ID, FirstName: u.FirstName, LastName: u.LastName, Banned: u.Banned}
	for _, e := range u.EmailAddresses {
		if out.Email == "" || e.ID == u.PrimaryEmailAddressID {
			out.Email = e.EmailAddress
		}
	}
	if role, ok := u.PublicMetadata["role"].(string); ok {
		out.Role = role
	}
	return out
}

type sessionResponse struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// VerifySession validates the token signature and expiry, then confirms with the
// provider that the session it names is still active.
func (c *Client) VerifySession(ctx context.Context, token string) (*Session, error) {
	claims, err := c.tokens.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if claims.SessionID == "" {
		return nil, fmt.Errorf("%w: token carries no session id", ErrInvalidSession)
	}

	var sess sessionResponse
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(claims.SessionID), nil, &sess); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: session %s not found", ErrInvalidSession, claims.SessionID)
		}
		return nil, err
	}
	if sess.Status != "active" || sess.UserID != claims.Subject {
		return nil, fmt.Errorf("%w: session %s is %s", ErrInvalidSession, sess.ID, sess.Status)
	}

	email := claims.Email
	if email == "" {
		u, err := c.GetUser(ctx, claims.Subject)
		if err != nil {
			return nil, fmt.Errorf("resolve session user: %w", err)
		}
		email = u.Email
	}
	return &Session{IdentityRef: claims.Subject, SessionID: claims.SessionID, Email: email}, nil
}

func (c *Client) GetUser(ctx context.Context, identityRef string) (*User, error) {
	var u userResponse
	if err := c.do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(identityRef), nil, &u); err != nil {
		return nil, err
	}
	return u.toUser(), nil
}

func (c *Client) CreateUser(ctx context.Context, p CreateUserParams) (*User, error) {
	body := map[string]any{
		"email_address": []string{p.Email},
		"first_name":    p.FirstName,
		"last_name":     p.LastName,
		"public_metadata": map[string]string{
			"role": p.Role,
		},
	}
	if p.Password != "" {
		body["password"] = p.Password
	} else {
		body["skip_password_requirement"] = true
	}
	var u userResponse
	if err := c.do(ctx, http.MethodPost, "/v1/users", body, &u); err != nil {
		return nil, err
	}
	return u.toUser(), nil
}

func (c *Client) DeleteUser(ctx context.Context, identityRef string) error {
	return c.do(ctx, http.MethodDelete, "/v1/users/"+url.PathEscape(identityRef), nil, nil)
}

// SetRole mirrors the canonical tier into the user's public metadata.
func (c *Client) SetRole(ctx context.Context, identityRef, role string) error {
	body := map[string]any{"public_metadata": map[string]string{"role": role}}
	return c.do(ctx, http.MethodPatch, "/v1/users/"+url.PathEscape(identityRef)+"/metadata", body, nil)
}

func (c *Client) BanUser(ctx context.Context, identityRef string) error {
	return c.do(ctx, http.MethodPost, "/v1/users/"+url.PathEscape(identityRef)+"/ban", nil, nil)
}

func (c *Client) UnbanUser(ctx context.Context, identityRef string) error {
	return c.do(ctx, http.MethodPost, "/v1/users/"+url.PathEscape(identityRef)+"/unban", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode identity request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build identity request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("identity %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("identity %s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("identity %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode identity response: %w", err)
	}
	return nil
}
