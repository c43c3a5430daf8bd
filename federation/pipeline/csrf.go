package pipeline

import (
	"mime"
	"net/http"

	ferrors "github.com/n9te9/federation-gateway/federation/errors"
)

// simpleContentTypes are the three content types a browser form or
// plain <img>/<script> tag can send without a CORS preflight, making
// them the ones a CSRF-vulnerable handler must never trust.
var simpleContentTypes = map[string]bool{
	"application/x-www-form-urlencoded": true,
	"multipart/form-data":               true,
	"text/plain":                        true,
}

// CSRFConfig names the header(s) a legitimate GraphQL client is
// expected to send. A request is accepted if either its Content-Type
// isn't one a simple HTML form can produce (so the browser would have
// needed a preflight, which same-origin policy already guards), or it
// carries at least one of RequiredHeaders.
type CSRFConfig struct {
	RequiredHeaders []string
}

// DefaultCSRFConfig matches the header most GraphQL clients already
// send unprompted (an operation name), so legitimate traffic rarely
// needs a dedicated opt-in header at all.
func DefaultCSRFConfig() CSRFConfig {
	return CSRFConfig{RequiredHeaders: []string{"X-Apollo-Operation-Name", "Apollo-Require-Preflight"}}
}

// Middleware rejects requests that look like a plain HTML form or
// cross-site image/script submission: a "simple" Content-Type with
// none of cfg.RequiredHeaders present.
func (cfg CSRFConfig) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.isSimpleRequest(r) {
			next.ServeHTTP(w, r)
			return
		}

		err := ferrors.New(ferrors.CodeForbidden, "request looks browser-issued and carries none of the required CSRF-prevention headers")
		writeLimitError(w, http.StatusForbidden, err)
	})
}

func (cfg CSRFConfig) isSimpleRequest(r *http.Request) bool {
	for _, name := range cfg.RequiredHeaders {
		if r.Header.Get(name) != "" {
			return false
		}
	}

	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return simpleContentTypes[mediaType]
}
