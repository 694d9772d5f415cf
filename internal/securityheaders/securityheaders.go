// Package securityheaders applies the portal's fixed response header
// set.
package securityheaders

import "net/http"

// headers is the set every portal response carries.
var headers = map[string]string{
	"Content-Security-Policy": "default-src 'self'; frame-ancestors 'none'",
	"X-Frame-Options":         "DENY",
	"X-Content-Type-Options":  "nosniff",
	"Referrer-Policy":         "strict-origin-when-cross-origin",
}

// Apply sets the headers on one response.
func Apply(w http.ResponseWriter) {
	for k, v := range headers {
		w.Header().Set(k, v)
	}
}

// Middleware applies the headers to every response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Apply(w)
		next.ServeHTTP(w, r)
	})
}
