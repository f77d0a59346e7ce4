package auth

import (
	"net/http"
	"time"
)

const AccessCookieName = "access_token"

// CookieTransport carries the access token in an HttpOnly cookie. In
// production the front end is cross-origin, so the cookie is Secure and
// SameSite=None there and Lax everywhere else.
type CookieTransport struct {
	Name       string
	Domain     string
	Production bool
	MaxAge     time.Duration
}

func NewCookieTransport(domain string, production bool, maxAge time.Duration) CookieTransport {
	return CookieTransport{
		Name:       AccessCookieName,
		Domain:     domain,
		Production: production,
		MaxAge:     maxAge,
	}
}

func (c CookieTransport) Set(w http.ResponseWriter, token string) {
	cookie := c.base()
	cookie.Value = token
	cookie.MaxAge = int(c.MaxAge.Seconds())
	http.SetCookie(w, cookie)
}

func (c CookieTransport) Clear(w http.ResponseWriter) {
	cookie := c.base()
	cookie.MaxAge = -1
	cookie.Expires = time.Unix(0, 0)
	http.SetCookie(w, cookie)
}

func (c CookieTransport) Read(r *http.Request) string {
	cookie, err := r.Cookie(c.cookieName())
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (c CookieTransport) cookieName() string {
	if c.Name == "" {
		return AccessCookieName
	}
	return c.Name
}

func (c CookieTransport) base() *http.Cookie {
	sameSite := http.SameSiteLaxMode
	if c.Production {
		sameSite = http.SameSiteNoneMode
	}
	return &http.Cookie{
		Name:     c.cookieName(),
		Path:     "/",
		Domain:   c.Domain,
		HttpOnly: true,
		Secure:   c.Production,
		SameSite: sameSite,
	}
}
