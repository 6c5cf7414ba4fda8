// Package auth defines the authentication contract used by the HTTP-facing
// adapters and provides JWT-based implementations of it.
//
// An Authenticator validates a bearer token and yields a UserInfo carrying
// the subject and raw claims. Two constructors are provided: NewJWT for a
// statically configured issuer + JWKS endpoint, and NewFromDiscovery which
// resolves the JWKS endpoint through OIDC discovery. Adapters that run
// without authentication simply pass a nil Authenticator.
package auth
