package ops

import (
	"context"
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"
)

const (
	pprofPrefix   = "/debug/pprof/"
	healthTimeout = 3 * time.Second
)

// Check is one named readiness probe, e.g. a storage ping.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Deps are the endpoints' data sources. Nil fields disable their endpoint.
type Deps struct {
	Metrics http.Handler
	Checks  []Check
	// Status returns a JSON-serializable snapshot of runtime state.
	Status func() any
}

type healthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler builds the ops mux. Every route requires token when it is set.
func Handler(token string, pprof bool, d Deps) http.Handler {
	mux := http.NewServeMux()
	auth := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(token, h) }

	mux.HandleFunc("/healthz", auth(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("/readyz", auth(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		rep := healthReport{Status: "ok", Checks: map[string]string{}}
		code := http.StatusOK
		for _, c := range d.Checks {
			if err := c.Fn(ctx); err != nil {
				rep.Checks[c.Name] = err.Error()
				rep.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			rep.Checks[c.Name] = "ok"
		}
		writeJSON(w, code, rep)
	}))
	if d.Metrics != nil {
		mux.Handle("/metrics", auth(d.Metrics.ServeHTTP))
	}
	if d.Status != nil {
		mux.HandleFunc("/status", auth(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, d.Status())
		}))
	}
	if pprof {
		mux.HandleFunc(pprofPrefix, auth(hpprof.Index))
		mux.HandleFunc(pprofPrefix+"cmdline", auth(hpprof.Cmdline))
		mux.HandleFunc(pprofPrefix+"profile", auth(hpprof.Profile))
		mux.HandleFunc(pprofPrefix+"symbol", auth(hpprof.Symbol))
		mux.HandleFunc(pprofPrefix+"trace", auth(hpprof.Trace))
	}
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
