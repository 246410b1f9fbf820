package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"custodian-mesh/pkg/model"
	"custodian-mesh/pkg/outcome"
	"custodian-mesh/pkg/store"
	"custodian-mesh/pkg/trust"
	"custodian-mesh/pkg/version"
)

const maxAdminBody = 1 << 20

// RegisterRoutes wires the admin HTTP handlers on the provided mux.
func RegisterRoutes(mux *http.ServeMux, d Deps) {
	auth := authFunc(d.Token, d.JWT)
	log := d.logger()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/v1/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": version.String()})
	})

	mux.HandleFunc("/api/v1/peers", func(w http.ResponseWriter, r *http.Request) {
		actor, ok := auth(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.Method {
		case http.MethodGet:
			peers, err := d.Store.List()
			if err != nil {
				log.Errorw("list peers", "err", err)
				http.Error(w, "failed to list peers", http.StatusInternalServerError)
				return
			}
			if peers == nil {
				peers = []model.Peer{}
			}
			writeJSON(w, http.StatusOK, peers)
		case http.MethodPost:
			var req PeerRequest
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody)).Decode(&req); err != nil {
				http.Error(w, "invalid payload", http.StatusBadRequest)
				return
			}
			saved, err := d.Store.Upsert(req.peer())
			if errors.Is(err, store.ErrInvalidPeer) {
				http.Error(w, "id and endpoint are required", http.StatusBadRequest)
				return
			}
			if err != nil {
				log.Errorw("upsert peer", "peer", req.ID, "err", err)
				http.Error(w, "failed to save peer", http.StatusInternalServerError)
				return
			}
			audit(d, actor, "peer_upsert", saved.ID, saved.Endpoint)
			publish(d, model.Event{Type: model.EventPeerUpserted, PeerID: saved.ID, Payload: saved})
			log.Infow("peer saved", "peer", saved.ID, "actor", actor)
			writeJSON(w, http.StatusOK, saved)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/v1/peers/select", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth(r); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		k := d.Coordinator.Config().MaxFanout
		if v := r.URL.Query().Get("k"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				http.Error(w, "invalid k", http.StatusBadRequest)
				return
			}
			k = n
		}
		peers, err := trust.NewRanker(d.Store).SelectPeers(r.URL.Query().Get("specialty"), k)
		if err != nil {
			http.Error(w, "failed to select peers", http.StatusInternalServerError)
			return
		}
		if peers == nil {
			peers = []model.Peer{}
		}
		writeJSON(w, http.StatusOK, peers)
	})

	mux.HandleFunc("/api/v1/mesh/query", func(w http.ResponseWriter, r *http.Request) {
		actor, ok := auth(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req MeshQueryRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody)).Decode(&req); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		agg, err := d.Coordinator.QueryMesh(r.Context(), req.Question, req.Specialty, time.Duration(req.TimeoutMs)*time.Millisecond)
		if err != nil {
			code := outcome.CodeOf(err)
			log.Infow("mesh query failed", "code", code, "actor", actor, "round", agg.RoundID)
			writeJSON(w, outcome.HTTPStatus(code), ErrorBody{Code: string(code), Error: err.Error(), Data: agg})
			return
		}
		writeJSON(w, http.StatusOK, agg)
	})

	mux.HandleFunc("/api/v1/audit", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth(r); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				limit = n
			}
		}
		entries, err := d.Store.ListAudit(limit)
		if err != nil {
			http.Error(w, "failed to list audit", http.StatusInternalServerError)
			return
		}
		if entries == nil {
			entries = []model.AuditEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	})

	if d.Hub != nil {
		mux.HandleFunc("/api/v1/events", func(w http.ResponseWriter, r *http.Request) {
			if _, ok := auth(r); !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			d.Hub.ServeHTTP(w, r)
		})
	}

	RegisterPolicyRoutes(mux, d, auth)

	if d.DB != nil && d.JWT != nil {
		(&AuthHandler{DB: d.DB, JWT: d.JWT, Deps: d}).RegisterRoutes(mux)
	}
}

func audit(d Deps, actor, action, target, detail string) {
	if err := d.Store.AppendAudit(model.AuditEntry{Actor: actor, Action: action, Target: target, Detail: detail}); err != nil {
		d.logger().Warnw("append audit", "action", action, "err", err)
	}
}

func publish(d Deps, e model.Event) {
	if d.Hub == nil {
		return
	}
	d.Hub.Publish(e)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
