// internal/session/credentials.go
package session

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
)

var tokenParser = jwt.NewParser()

// liveCookies drops stored cookies that can no longer authenticate: those
// past their own expiry and those carrying a JWT whose exp claim has passed.
// It returns the survivors and how many were dropped.
func liveCookies(cookies []schemas.Cookie, now time.Time) ([]schemas.Cookie, int) {
	live := make([]schemas.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if !c.Expires.IsZero() && !c.Expires.After(now) {
			continue
		}
		if exp, ok := tokenExpiry(c.Value); ok && !exp.After(now) {
			continue
		}
		live = append(live, c)
	}
	return live, len(cookies) - len(live)
}

// tokenExpiry reads the exp claim of a JWT cookie value. The signature is not
// checked; only the server can do that.
func tokenExpiry(value string) (time.Time, bool) {
	value = strings.TrimPrefix(value, "Bearer ")
	if strings.Count(value, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := tokenParser.ParseUnverified(value, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
