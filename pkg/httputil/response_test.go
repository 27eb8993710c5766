package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openauthhq/openauth/pkg/autherr"
)

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestWriteSuccess(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, WriteSuccess(rec, map[string]string{"id": "abc"}))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	env := decodeEnvelope(t, rec)
	assert.True(t, env.Success)
	assert.Empty(t, env.Error)
}

func TestWriteDomainError_MapsKindToStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteDomainError(rec, autherr.New(autherr.KindAppNotEnabled, "app not enabled for organization"))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.False(t, env.Success)
	assert.Equal(t, "app not enabled for organization", env.Error)
}

func TestWriteDomainError_InternalHidesCause(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteDomainError(rec, autherr.Internal(errors.New("pq: relation missing")))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "internal error", env.Error)
}

func TestWriteDomainError_UnclassifiedIsInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteDomainError(rec, errors.New("dial tcp: connection refused"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "internal error", env.Error)
}
