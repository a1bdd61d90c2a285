package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
)

// BasicAuth guards an operator endpoint such as /metrics.
type BasicAuth struct {
	realm    string
	username [32]byte
	password [32]byte
	enabled  bool
}

// NewBasicAuth creates the guard. If both username and password are empty,
// authentication is disabled.
func NewBasicAuth(realm, username, password string) *BasicAuth {
	return &BasicAuth{
		realm:    realm,
		username: sha256.Sum256([]byte(username)),
		password: sha256.Sum256([]byte(password)),
		enabled:  username != "" || password != "",
	}
}

// Handler returns middleware that requires basic authentication.
func (m *BasicAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled {
			next.ServeHTTP(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok {
			m.unauthorized(w)
			return
		}

		// Compare fixed-size digests.
		userHash := sha256.Sum256([]byte(user))
		passHash := sha256.Sum256([]byte(pass))
		userMatch := subtle.ConstantTimeCompare(userHash[:], m.username[:]) == 1
		passMatch := subtle.ConstantTimeCompare(passHash[:], m.password[:]) == 1

		if !userMatch || !passMatch {
			m.unauthorized(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *BasicAuth) unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="`+m.realm+`"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}
