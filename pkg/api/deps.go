package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"custodian-mesh/pkg/auth"
	"custodian-mesh/pkg/mesh"
	"custodian-mesh/pkg/policy"
	"custodian-mesh/pkg/store"
)

// Deps are the components the admin API operates on. DB and JWT are
// optional; without a DB the login routes are not mounted.
type Deps struct {
	Store       store.PeerStore
	Policies    *policy.Store
	Coordinator *mesh.Coordinator
	Hub         *EventHub
	Token       string
	JWT         *auth.Issuer
	DB          *gorm.DB
	Log         *zap.SugaredLogger
}

func (d Deps) logger() *zap.SugaredLogger {
	if d.Log == nil {
		return zap.NewNop().Sugar()
	}
	return d.Log
}

// authFunc accepts the static admin token (X-Auth-Token, Bearer or a
// "token" query parameter for websocket clients) or a valid JWT bearer. It
// returns the actor recorded in audit entries. With neither a token nor an
// issuer configured every request is admitted.
func authFunc(token string, jwt *auth.Issuer) func(r *http.Request) (string, bool) {
	if token == "" && jwt == nil {
		return func(_ *http.Request) (string, bool) { return "anonymous", true }
	}
	return func(r *http.Request) (string, bool) {
		h := r.Header.Get("X-Auth-Token")
		if h == "" {
			if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
				h = strings.TrimPrefix(authz, "Bearer ")
			}
		}
		if h == "" {
			h = r.URL.Query().Get("token")
		}
		if h == "" {
			return "", false
		}
		if token != "" && subtle.ConstantTimeCompare([]byte(h), []byte(token)) == 1 {
			return "admin", true
		}
		if jwt != nil {
			if claims, err := jwt.Parse(h); err == nil {
				return claims.Username, true
			}
		}
		return "", false
	}
}
