package main

import "encoding/json"

// Session anchors every request. An anonymous session has no user;
// authing points at a pending authorization code while one is in flight.
type Session struct {
	ID      int64
	UserID  *int64
	Expiry  int64
	Authing *string
	Nonce   *string
}

// LoggedIn reports whether the session has completed a login.
func (s *Session) LoggedIn() bool { return s != nil && s.UserID != nil }

// Scratcher is the denormalized identity cache for a Scratch account.
type Scratcher struct {
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
}

// Application flags.
const FlagNameApproved = 1

// Application is a registered OAuth client.
type Application struct {
	ClientID     int64    `json:"client_id"`
	ClientSecret string   `json:"client_secret,omitempty"`
	AppName      *string  `json:"app_name"`
	Flags        int64    `json:"flags"`
	OwnerID      int64    `json:"owner_id,omitempty"`
	RedirectURIs []string `json:"redirect_uris"`
}

// NameApproved reports whether the display name passed moderation.
// An unapproved name must never be rendered unescaped.
func (a *Application) NameApproved() bool { return a.Flags&FlagNameApproved != 0 }

// PartialApp is the listing view of an application.
type PartialApp struct {
	ClientID int64   `json:"client_id"`
	AppName  *string `json:"app_name"`
}

// Authing stages. A single row carries the credential across its
// lifetime: pending (authorization code) then exchanged (access token).
const (
	StagePending   = "pending"
	StageExchanged = "exchanged"
)

// Authing is the pending-or-exchanged credential record. While pending,
// Code is the authorization code and State is set; once exchanged, Code
// holds the access token and State is cleared.
type Authing struct {
	Code        string
	ClientID    int64
	UserID      int64
	Stage       string
	State       *string
	RedirectURI *string
	Scopes      []string
	Expiry      int64
}

// Approval is a durable grant: a refresh token bound to a user/client
// pair, pointing at the currently valid access token (if any).
type Approval struct {
	RefreshToken string
	ClientID     int64
	UserID       int64
	AccessToken  *string
	Scopes       []string
	Expiry       int64
}

// ApprovalInfo is the approvals listing row, joined with the application.
type ApprovalInfo struct {
	RefreshToken string   `json:"refresh_token"`
	ClientID     int64    `json:"client_id"`
	AppName      *string  `json:"app_name"`
	NameApproved bool     `json:"name_approved"`
	Scopes       []string `json:"scopes"`
	Expiry       int64    `json:"expiry"`
}

// TokenGrant is the response shape for token issuance and rotation.
type TokenGrant struct {
	RefreshToken  string   `json:"refresh_token"`
	RefreshExpiry int64    `json:"refresh_expiry"`
	Scopes        []string `json:"scopes"`
	AccessToken   string   `json:"access_token"`
	AccessExpiry  int64    `json:"access_expiry"`
}

// Optional is a tri-state JSON field: absent, explicit null, or a value.
// PATCH bodies need the distinction between "omitted" and "cleared".
type Optional[T any] struct {
	Set   bool // field was present in the document
	Valid bool // field held a non-null value
	Value T
}

func (o *Optional[T]) UnmarshalJSON(b []byte) error {
	o.Set = true
	if string(b) == "null" {
		return nil
	}
	if err := json.Unmarshal(b, &o.Value); err != nil {
		return err
	}
	o.Valid = true
	return nil
}

// Ptr returns the value as a nullable pointer: nil when the field was
// absent or null.
func (o Optional[T]) Ptr() *T {
	if !o.Valid {
		return nil
	}
	v := o.Value
	return &v
}
