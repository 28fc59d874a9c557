package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	return InjectTags(r)
}

func TestInjectTags_Empty(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Empty(t, tags.Endpoint)
	require.Empty(t, tags.Decision)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))
}

func TestSetEndpoint(t *testing.T) {
	r := newTaggedRequest()
	SetEndpoint(r, "hpkp_check")
	require.Equal(t, "hpkp_check", GetTags(r).Endpoint)
}

func TestSetDecision(t *testing.T) {
	r := newTaggedRequest()
	SetDecision(r, "example.org", "pinned")
	tags := GetTags(r)
	require.Equal(t, "example.org", tags.Host)
	require.Equal(t, "pinned", tags.Decision)
}

func TestSetters_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	SetEndpoint(r, "health") // should not panic
	SetDecision(r, "example.org", "match")
}
