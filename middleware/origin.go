package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stafflink/stafflink/logger"
)

// Origin enforces the handshake allow-list. Unknown origins are terminated
// before the websocket upgrade with no body: the client learns nothing
// beyond the disconnect.
//
// Entries match either the exact host ("hr.example.com") or, with a leading
// dot (".example.com"), the domain and all of its subdomains. A browser
// always sends Origin on websocket handshakes; a missing header (non-browser
// client, e.g. the test suite or an internal tool) is let through.
func Origin(allowed []string) gin.HandlerFunc {
	exact := make(map[string]struct{}, len(allowed))
	var suffixes []string
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if u, err := url.Parse(a); err == nil && u.Host != "" {
			a = u.Host
		}
		if strings.HasPrefix(a, ".") {
			suffixes = append(suffixes, a)
			continue
		}
		exact[a] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		if originAllowed(origin, exact, suffixes) {
			c.Next()
			return
		}
		logger.Warnf("[origin] rejected origin=%q path=%s", origin, c.Request.URL.Path)
		c.AbortWithStatus(http.StatusForbidden)
	}
}

func originAllowed(origin string, exact map[string]struct{}, suffixes []string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Host
	if _, ok := exact[host]; ok {
		return true
	}
	hostname := u.Hostname()
	if _, ok := exact[hostname]; ok {
		return true
	}
	for _, s := range suffixes {
		if strings.HasSuffix(hostname, s) || hostname == strings.TrimPrefix(s, ".") {
			return true
		}
	}
	return false
}
