package auth

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnauthorized indicates the token failed validation (signature, issuer,
// audience, or time bounds) and the request should be treated as
// unauthenticated.
var ErrUnauthorized = errors.New("auth: unauthorized")

// ErrInsufficientScope indicates the token was valid but did not carry the
// required scopes.
var ErrInsufficientScope = errors.New("auth: insufficient_scope")

// UserInfo exposes the authenticated principal. Claims unmarshals the raw
// token claims into ref for callers that need more than the subject.
type UserInfo interface {
	UserID() string
	Claims(ref any) error
}

// Authenticator validates bearer tokens. Implementations must perform
// signature, issuer, audience and time validations before returning a
// UserInfo.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }

func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
