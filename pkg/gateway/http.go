package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"custodian-mesh/pkg/metrics"
	"custodian-mesh/pkg/model"
	"custodian-mesh/pkg/outcome"
)

// MaxBodyBytes bounds an /ask request body.
const MaxBodyBytes = 1 << 20

// Routes wires the peer-facing endpoints on mux.
func (g *Gateway) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/ask", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		start := time.Now()
		if !g.policies.Current().OriginAllowed(r.RemoteAddr) {
			g.reject(w, r, outcome.New(outcome.OriginDenied, "origin %s not allowed", r.RemoteAddr), 0, start)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				g.reject(w, r, outcome.New(outcome.InvalidRequest, "body exceeds %d bytes", MaxBodyBytes), http.StatusRequestEntityTooLarge, start)
				return
			}
			g.reject(w, r, outcome.New(outcome.InvalidRequest, "read body: %v", err), 0, start)
			return
		}
		resp, err := g.HandleExternalAsk(r.Context(), model.MeshRequest{
			Body:          body,
			Signature:     r.Header.Get(model.SignatureHeader),
			SourceAddress: r.RemoteAddr,
		})
		if err != nil {
			g.reject(w, r, err, 0, start)
			return
		}
		metrics.ObserveGateway(string(outcome.OK), time.Since(start))
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !g.policies.Current().OriginAllowed(r.RemoteAddr) {
			writeError(w, outcome.New(outcome.OriginDenied, "origin not allowed"), 0)
			return
		}
		writeJSON(w, http.StatusOK, g.Hello(r.Context()))
	})

	mux.HandleFunc("/caps", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !g.policies.Current().OriginAllowed(r.RemoteAddr) {
			writeError(w, outcome.New(outcome.OriginDenied, "origin not allowed"), 0)
			return
		}
		writeJSON(w, http.StatusOK, g.Caps())
	})
}

func (g *Gateway) reject(w http.ResponseWriter, r *http.Request, err error, status int, start time.Time) {
	code := outcome.CodeOf(err)
	metrics.ObserveGateway(string(code), time.Since(start))
	switch code {
	case outcome.InternalQueryError:
		g.log.Warnw("ask failed", "code", code, "source", r.RemoteAddr, "err", err)
	case outcome.Cancelled:
		g.log.Debugw("ask cancelled", "source", r.RemoteAddr)
	default:
		g.log.Infow("ask rejected", "code", code, "source", r.RemoteAddr)
	}
	writeError(w, err, status)
}

// ErrorBody is the JSON shape of every gateway error.
type ErrorBody struct {
	Code  outcome.Code `json:"code"`
	Error string       `json:"error"`
}

// writeError maps err to its outcome status unless status overrides it.
// Internal causes are not echoed to the caller.
func writeError(w http.ResponseWriter, err error, status int) {
	code := outcome.CodeOf(err)
	if status == 0 {
		status = outcome.HTTPStatus(code)
	}
	msg := string(code)
	switch code {
	case outcome.InvalidRequest:
		msg = err.Error()
	case outcome.InternalQueryError:
		msg = "local knowledge backend unavailable"
	}
	writeJSON(w, status, ErrorBody{Code: code, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
