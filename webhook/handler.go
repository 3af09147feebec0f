package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/3rs4lg4d0/stampbox/logger"
)

const (
	maxBodyBytes     int64         = 1 << 20
	reconcileTimeout time.Duration = time.Second * 10
)

// Handler serves POST /webhooks/messaging. Requests must carry the
// configured secret in the apikey header and a complete envelope; any
// accepted callback is answered 200 {"received": true} even when it could
// not be applied, so that the gateway never retries it.
func Handler(r *Reconciler, apiKey string, l logger.Logger) http.HandlerFunc {
	if r == nil {
		panic("reconciler is mandatory")
	}
	l = logger.OrNop(l)
	return func(w http.ResponseWriter, req *http.Request) {
		if apiKey == "" || subtle.ConstantTimeCompare([]byte(req.Header.Get("apikey")), []byte(apiKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid api key"})
			return
		}

		var p Payload
		body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
		if err == nil {
			err = json.Unmarshal(body, &p)
		}
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed body"})
			return
		}
		if p.Event == "" || p.Instance == "" || len(p.Data) == 0 || string(p.Data) == "null" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "event, instance and data are required"})
			return
		}

		// the gateway may drop the connection once it has the 200
		ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), reconcileTimeout)
		defer cancel()
		if err := r.Reconcile(ctx, p); err != nil {
			l.Error(fmt.Sprintf("could not reconcile %s from instance '%s'", p.Event, p.Instance), err)
		}
		writeJSON(w, http.StatusOK, map[string]any{"received": true})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
