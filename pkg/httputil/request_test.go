package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	body := `{"email":"dev@acme.io","password":"hunter22"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader(body))

	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	require.NoError(t, ParseJSON(req, &payload))
	assert.Equal(t, "dev@acme.io", payload.Email)
}

func TestParseJSON_Malformed(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader("{not json"))

	var payload map[string]string
	assert.Error(t, ParseJSON(req, &payload))
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"well formed", "Bearer abc.def.ghi", "abc.def.ghi"},
		{"missing header", "", ""},
		{"wrong scheme", "Basic dXNlcjpwYXNz", ""},
		{"scheme only", "Bearer", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/orgs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, BearerToken(req))
		})
	}
}

func TestParseQueryInt(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/users?limit=25", nil)

	got, err := ParseQueryInt(req, "limit", 50)
	require.NoError(t, err)
	assert.Equal(t, 25, got)

	got, err = ParseQueryInt(req, "offset", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, got)
}
