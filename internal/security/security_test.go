package security

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestHeadersMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(HeadersMiddleware())
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
}

func fixedResolver(addrs ...string) func(string) ([]string, error) {
	return func(string) ([]string, error) { return addrs, nil }
}

func TestURLPolicy_Check(t *testing.T) {
	public := URLPolicy{Resolve: fixedResolver("93.184.216.34")}
	internal := URLPolicy{Resolve: fixedResolver("10.0.0.7")}

	tests := []struct {
		name    string
		policy  URLPolicy
		url     string
		blocked bool
	}{
		{"public https", public, "https://hooks.example.com/x", false},
		{"public http", public, "http://hooks.example.com/x", false},
		{"https required", URLPolicy{RequireHTTPS: true, Resolve: fixedResolver("93.184.216.34")}, "http://hooks.example.com", true},
		{"ftp scheme", public, "ftp://example.com", true},
		{"no host", public, "https://", true},
		{"localhost", public, "http://localhost:8080", true},
		{"metadata", public, "http://metadata.google.internal/", true},
		{"loopback literal", public, "http://127.0.0.1:9000", true},
		{"private literal", public, "https://192.168.1.10", true},
		{"link local", public, "http://169.254.169.254/latest", true},
		{"public literal", public, "https://8.8.8.8", false},
		{"resolves private", internal, "https://erp.example.com", true},
		{"private allowed", URLPolicy{AllowPrivate: true}, "http://127.0.0.1:8000", false},
		{"unresolvable", URLPolicy{Resolve: func(string) ([]string, error) { return nil, errors.New("nxdomain") }}, "https://nope.test", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Check(tt.url)
			if tt.blocked {
				assert.ErrorIs(t, err, ErrBlockedURL)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
