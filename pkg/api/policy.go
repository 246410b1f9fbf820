package api

import (
	"encoding/json"
	"net/http"

	"custodian-mesh/pkg/model"
	"custodian-mesh/pkg/policy"
	"custodian-mesh/pkg/signature"
)

func policyView(s *policy.Snapshot) PolicyView {
	return PolicyView{
		Policy:            s.Policy,
		LoadedAt:          s.LoadedAt,
		SecretFingerprint: signature.Fingerprint(s.Secret),
	}
}

// RegisterPolicyRoutes exposes the enforced policy with in-memory updates,
// file reload and secret rotation.
func RegisterPolicyRoutes(mux *http.ServeMux, d Deps, auth func(r *http.Request) (string, bool)) {
	log := d.logger()

	mux.HandleFunc("/api/v1/policy", func(w http.ResponseWriter, r *http.Request) {
		actor, ok := auth(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, policyView(d.Policies.Current()))
		case http.MethodPut:
			// in-memory until the next reload from the policy file
			var p model.Policy
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody)).Decode(&p); err != nil {
				http.Error(w, "invalid payload", http.StatusBadRequest)
				return
			}
			snap, err := d.Policies.SetPolicy(p)
			if err != nil {
				log.Warnw("policy update rejected", "actor", actor, "err", err)
				writeJSON(w, http.StatusUnprocessableEntity, ErrorBody{Code: "invalid_policy", Error: err.Error()})
				return
			}
			audit(d, actor, "policy_set", "policy", "")
			publish(d, model.Event{Type: model.EventPolicyReloaded, Payload: map[string]interface{}{"redactions": snap.Redactor.Len()}})
			writeJSON(w, http.StatusOK, policyView(snap))
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/v1/policy/reload", func(w http.ResponseWriter, r *http.Request) {
		actor, ok := auth(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		snap, err := d.Policies.Reload()
		if err != nil {
			log.Warnw("policy reload rejected", "actor", actor, "err", err)
			writeJSON(w, http.StatusUnprocessableEntity, ErrorBody{Code: "invalid_policy", Error: err.Error()})
			return
		}
		audit(d, actor, "policy_reload", "policy", "")
		publish(d, model.Event{Type: model.EventPolicyReloaded, Payload: map[string]interface{}{"redactions": snap.Redactor.Len()}})
		writeJSON(w, http.StatusOK, policyView(snap))
	})

	mux.HandleFunc("/api/v1/secret/rotate", func(w http.ResponseWriter, r *http.Request) {
		actor, ok := auth(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		snap, err := d.Policies.RotateSecret()
		if err != nil {
			log.Errorw("secret rotation failed", "actor", actor, "err", err)
			http.Error(w, "failed to rotate secret", http.StatusInternalServerError)
			return
		}
		fp := signature.Fingerprint(snap.Secret)
		audit(d, actor, "secret_rotate", "secret", fp)
		publish(d, model.Event{Type: model.EventSecretRotated, Payload: map[string]string{"fingerprint": fp}})
		log.Infow("signing secret rotated", "actor", actor, "fingerprint", fp)
		writeJSON(w, http.StatusOK, map[string]string{"fingerprint": fp})
	})
}
