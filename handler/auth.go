package handler

import (
	"crypto/subtle"

	"hiway-rpc/invocation"
)

// AuthTokenKey is the context entry carrying the shared token.
const AuthTokenKey = "x-auth-token"

// Auth attaches a shared token on the consumer side and verifies it on the provider
// side, rejecting mismatches with 401 before the operation runs.
type Auth struct {
	token []byte
}

// NewAuth returns the stage for token. An empty token disables it.
func NewAuth(token string) *Auth {
	return &Auth{token: []byte(token)}
}

func (a *Auth) Name() string { return "auth" }
func (a *Auth) Order() int   { return OrderAuth }

func (a *Auth) Enabled(side invocation.Side, microservice, transport string) bool {
	return len(a.token) > 0
}

func (a *Auth) Handle(inv *invocation.Invocation, next Next, done invocation.AsyncResponse) {
	if inv.Side == invocation.Consumer {
		inv.SetContext(AuthTokenKey, string(a.token))
		next(inv, done)
		return
	}
	presented := []byte(inv.ContextValue(AuthTokenKey))
	if subtle.ConstantTimeCompare(presented, a.token) != 1 {
		done(invocation.Failure(invocation.NewLocal(invocation.StatusUnauthorized, "unauthorized", nil)))
		return
	}
	next(inv, done)
}
