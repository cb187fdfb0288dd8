// Package httpd exposes the RPC daemon as the HTTP variant of the framed
// transport (spec.md §4.8/§6), routed with gorilla/mux in the teacher's
// middleware style.
package httpd

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"meshrund/internal/rpcdaemon"
)

// Server wires a daemon and authorizer behind an HTTP router.
type Server struct {
	daemon *rpcdaemon.Daemon
	auth   *rpcdaemon.Authorizer
	log    *logrus.Logger
}

// NewServer builds an httpd server over daemon, authorizing every request
// with auth.
func NewServer(daemon *rpcdaemon.Daemon, auth *rpcdaemon.Authorizer, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{daemon: daemon, auth: auth, log: log}
}

// Router builds the HTTP router: a single RPC endpoint plus a health check,
// behind request-logging and JSON-header middleware (spec.md §6).
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestLogger)
	r.Use(jsonHeaders)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/rpc", s.handleRPC).Methods(http.MethodPost)
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Debug("rpc http request")
		next.ServeHTTP(w, r)
	})
}

func jsonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	headers := map[string]string{
		"Authorization":   r.Header.Get("Authorization"),
		"X-Forwarded-For": r.Header.Get("X-Forwarded-For"),
	}
	peerIP := r.RemoteAddr
	if host, _, ok := strings.Cut(r.RemoteAddr, ":"); ok {
		peerIP = host
	}

	if s.auth != nil {
		if cerr := s.auth.Authorize(headers, peerIP, time.Now()); cerr != nil {
			writeJSON(w, rpcdaemon.Response{Error: &rpcdaemon.WireError{Code: cerr.Code, Message: cerr.Message, Details: cerr.Details}})
			return
		}
	}

	var req rpcdaemon.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := rpcdaemon.Handle(s.daemon, req)
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
