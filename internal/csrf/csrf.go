// Package csrf implements double-submit CSRF protection for the guest
// form and the admin surface.
package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
)

// Cookie and form field names.
const (
	CookieName = "portal_csrf"
	FieldName  = "csrf_token"
	HeaderName = "X-CSRF-Token"
)

// Issuer mints and checks CSRF tokens.
type Issuer struct {
	tokenBytes int
	secure     bool
}

// New creates an Issuer. secure controls the cookie Secure flag and
// tracks whether the portal is served over TLS.
func New(tokenBytes int, secure bool) *Issuer {
	if tokenBytes < 16 {
		tokenBytes = 16
	}
	return &Issuer{tokenBytes: tokenBytes, secure: secure}
}

// Issue mints a token and sets it as a cookie on the response. The
// caller embeds the returned token in the form. HttpOnly and
// SameSite=Lax are unconditional; Secure follows the listener.
func (i *Issuer) Issue(w http.ResponseWriter) (string, error) {
	buf := make([]byte, i.tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := hex.EncodeToString(buf)
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   i.secure,
	})
	return token, nil
}

// Check validates the double submit: the form (or header) token must
// equal the cookie token.
func (i *Issuer) Check(r *http.Request) bool {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	submitted := r.PostFormValue(FieldName)
	if submitted == "" {
		submitted = r.Header.Get(HeaderName)
	}
	if submitted == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(submitted)) == 1
}
