package auth

import (
	"net/http"
	"time"
)

// CookieWriter issues and clears the long-lived identity cookie.
type CookieWriter struct {
	Name   string
	Domain string
	TTL    time.Duration
}

// Set writes the signed identity token as an httpOnly, Secure, SameSite=Lax
// cookie. Lax is required: the provider returns the visitor by a cross-site
// redirect and the cookie must survive it on the next navigation.
func (c *CookieWriter) Set(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    token,
		Path:     "/",
		Domain:   c.Domain,
		Expires:  time.Now().Add(c.TTL),
		MaxAge:   int(c.TTL.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// Clear expires the identity cookie (logout, or upstream identity deletion).
func (c *CookieWriter) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    "",
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// Read extracts the raw identity token from the request, or "" when absent.
func (c *CookieWriter) Read(r *http.Request) string {
	cookie, err := r.Cookie(c.Name)
	if err != nil {
		return ""
	}
	return cookie.Value
}
