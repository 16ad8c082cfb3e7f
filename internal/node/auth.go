// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/tausestack/tausestack/lib/config"
	"github.com/tausestack/tausestack/lib/tenant"
)

// sessionAuth admits network sessions that present one of the
// configured bearer tokens. Tokens are held only as digests, and a
// lookup by digest does not compare secret bytes.
type sessionAuth struct {
	tenants map[[32]byte]tenant.ID
	header  string
}

func newSessionAuth(tokens []config.TokenConfig, tenantHeader string) *sessionAuth {
	a := &sessionAuth{
		tenants: make(map[[32]byte]tenant.ID, len(tokens)),
		header:  tenantHeader,
	}
	for _, token := range tokens {
		a.tenants[blake3.Sum256([]byte(token.Token))] = tenant.ID(token.Tenant)
	}
	return a
}

// wrap resolves the session tenant from the credential before the
// transport takes over the connection, so a refusal is an ordinary
// HTTP error. A tenant header is optional; when sent it must name the
// credential's tenant.
func (a *sessionAuth) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		granted, ok := a.tenant(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="tausestack"`)
			http.Error(w, "missing or unknown bearer token", http.StatusUnauthorized)
			return
		}
		requested, err := tenant.FromHeader(r, a.header, granted)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if requested != granted {
			http.Error(w, fmt.Sprintf("token does not grant tenant %q", requested), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(tenant.WithTenant(r.Context(), granted)))
	})
}

func (a *sessionAuth) tenant(r *http.Request) (tenant.ID, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	granted, ok := a.tenants[blake3.Sum256([]byte(token))]
	return granted, ok
}

// sessionOwner keys SSE sessions by tenant so a message POST cannot
// reach another tenant's stream.
func sessionOwner(r *http.Request) string {
	id, _ := tenant.FromContext(r.Context())
	return string(id)
}
