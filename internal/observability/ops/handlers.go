package ops

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"maps"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"
)

const healthTimeout = 3 * time.Second

func (s *Service) mux(cfg Config) *http.ServeMux {
	guard := func(h http.Handler) http.Handler { return requireToken(cfg.Token, h) }
	mux := http.NewServeMux()

	// Probes stay open; everything else needs the token.
	mux.HandleFunc("GET /livez", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /healthz", guard(http.HandlerFunc(s.serveHealth)))
	if s.metrics != nil {
		mux.Handle("GET /metrics", guard(s.metrics))
	}
	if cfg.Pprof {
		for path, h := range map[string]http.HandlerFunc{
			"/debug/pprof/":        hpprof.Index,
			"/debug/pprof/cmdline": hpprof.Cmdline,
			"/debug/pprof/profile": hpprof.Profile,
			"/debug/pprof/symbol":  hpprof.Symbol,
			"/debug/pprof/trace":   hpprof.Trace,
		} {
			mux.Handle(path, guard(h))
		}
	}
	return mux
}

func (s *Service) serveHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	code := http.StatusOK
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		details, err := s.health(ctx)
		cancel()
		maps.Copy(body, details)
		if err != nil {
			code = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
			body["error"] = err.Error()
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// requireToken checks ?token= or, without it, "Authorization: Bearer".
// An empty token disables the check.
func requireToken(token string, h http.Handler) http.Handler {
	want := []byte(strings.TrimSpace(token))
	if len(want) == 0 {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			got = strings.TrimSpace(got)
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
