package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allowlistHandler(t *testing.T, cidrs []string) http.Handler {
	t.Helper()
	allow, err := ParseCIDRAllowlist(cidrs)
	require.NoError(t, err)
	return IPAllowlist(allow)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestAllowlistPermitsInsideRange(t *testing.T) {
	h := allowlistHandler(t, []string{"10.0.0.0/8"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAllowlistRejectsOutsideRange(t *testing.T) {
	h := allowlistHandler(t, []string{"10.0.0.0/8"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.1:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEmptyAllowlistPermitsAll(t *testing.T) {
	h := allowlistHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestParseCIDRAllowlistSkipsBlanks(t *testing.T) {
	allow, err := ParseCIDRAllowlist([]string{" 10.0.0.0/8 ", "", "192.168.0.0/16"})
	require.NoError(t, err)
	assert.Len(t, allow, 2)
}

func TestParseCIDRAllowlistRejectsGarbage(t *testing.T) {
	_, err := ParseCIDRAllowlist([]string{"not-a-cidr"})
	assert.Error(t, err)
}

func TestCorrelationIDGeneratedAndPropagated(t *testing.T) {
	var seen string
	h := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(CorrelationIDHeader))
}

func TestCorrelationIDHonorsInbound(t *testing.T) {
	var seen string
	h := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationIDHeader, "cid-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "cid-123", seen)
}
