package server

import (
	"crypto/subtle"
	"net/http"
)

const secretHeader = "X-Service-Secret"

// auth gates a handler behind the shared secret. The compare is constant
// time so the secret cannot be probed byte by byte.
func (s *Server) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	})
}

// authorized accepts the secret from the header only. Management routes never
// take it as a query parameter, which would leak it into access logs.
func (s *Server) authorized(r *http.Request) bool {
	return s.secretOK(r.Header.Get(secretHeader))
}

// wsAuthorized additionally accepts the secret as a ?secret= query parameter.
// Browser websocket clients cannot set request headers on the upgrade.
func (s *Server) wsAuthorized(r *http.Request) bool {
	if s.secretOK(r.Header.Get(secretHeader)) {
		return true
	}
	return s.secretOK(r.URL.Query().Get("secret"))
}

func (s *Server) secretOK(got string) bool {
	if s.cfg.Secret == "" {
		// No secret configured means the API is not safe to expose.
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Secret)) == 1
}
