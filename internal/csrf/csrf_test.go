package csrf

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestIssueSetsCookieAttributes(t *testing.T) {
	i := New(32, false)
	rec := httptest.NewRecorder()

	token, err := i.Issue(rec)
	if err != nil {
		t.Fatal(err)
	}
	if len(token) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(token))
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookies = %d", len(cookies))
	}
	c := cookies[0]
	if c.Name != CookieName || c.Value != token {
		t.Errorf("cookie = %+v", c)
	}
	if !c.HttpOnly {
		t.Error("cookie not HttpOnly")
	}
	if c.SameSite != http.SameSiteLaxMode {
		t.Errorf("SameSite = %v", c.SameSite)
	}
	if c.Secure {
		t.Error("Secure set on plain HTTP listener")
	}
}

func TestIssueSecureOverTLS(t *testing.T) {
	i := New(32, true)
	rec := httptest.NewRecorder()
	if _, err := i.Issue(rec); err != nil {
		t.Fatal(err)
	}
	if !rec.Result().Cookies()[0].Secure {
		t.Error("Secure not set on TLS listener")
	}
}

func postWithToken(cookieVal, formVal string) *http.Request {
	form := url.Values{FieldName: {formVal}}
	r := httptest.NewRequest(http.MethodPost, "/guest/authorize", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if cookieVal != "" {
		r.AddCookie(&http.Cookie{Name: CookieName, Value: cookieVal})
	}
	return r
}

func TestCheck(t *testing.T) {
	i := New(32, false)

	tests := []struct {
		name   string
		cookie string
		form   string
		want   bool
	}{
		{"matching", "tok-1", "tok-1", true},
		{"mismatched", "tok-1", "tok-2", false},
		{"missing cookie", "", "tok-1", false},
		{"missing form value", "tok-1", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := i.Check(postWithToken(tt.cookie, tt.form)); got != tt.want {
				t.Errorf("Check = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckAcceptsHeaderToken(t *testing.T) {
	i := New(32, false)
	r := httptest.NewRequest(http.MethodPost, "/admin/api/grants", nil)
	r.AddCookie(&http.Cookie{Name: CookieName, Value: "tok-9"})
	r.Header.Set(HeaderName, "tok-9")
	if !i.Check(r) {
		t.Error("header token rejected")
	}
}
