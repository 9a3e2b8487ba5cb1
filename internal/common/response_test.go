package common

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONErrorWithMergesExtraMembers(t *testing.T) {
	rr := httptest.NewRecorder()
	JSONErrorWith(rr, http.StatusBadRequest, CodeMissingFields, "missing", nil, map[string]any{"missingFields": []string{"amount"}})

	require.Equal(t, http.StatusBadRequest, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Contains(t, body, "error")
	require.Equal(t, []any{"amount"}, body["missingFields"])
}

func TestWriteAppErrorHidesUnknownErrors(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteAppError(rr, errors.New("dial tcp 10.0.0.1: secret detail"))

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.NotContains(t, rr.Body.String(), "secret detail")
}

func TestWriteAppErrorUsesMetadata(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteAppError(rr, ValidationError("bad currency", map[string]string{"currency": "iso4217"}))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), CodeValidation)
}

func TestFingerprintIsStableAndShort(t *testing.T) {
	require.Equal(t, "", Fingerprint(""))
	require.Len(t, Fingerprint("token"), 12)
	require.Equal(t, Fingerprint("token"), Fingerprint("token"))
}

func TestClientIPPrefersForwardedHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.2:5555"
	require.Equal(t, "10.0.0.2", ClientIP(req))

	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	require.Equal(t, "203.0.113.9", ClientIP(req))
}
