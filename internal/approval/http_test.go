package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, log *fakeLog, allowlist []string) *httptest.Server {
	t.Helper()
	coord := NewCoordinator(log)
	handler := NewHandler(coord, allowlist, func(runID string) (string, string, string, bool) {
		return "subj", "acme", "deploy", true
	})
	r := chi.NewRouter()
	handler.Routes(r)
	return httptest.NewServer(r)
}

func doPost(t *testing.T, srv *httptest.Server, path string, body any, withCSRF bool) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	if withCSRF {
		req.Header.Set("X-Requested-With", "XMLHttpRequest")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHTTP_Grant_FirstWriter_200(t *testing.T) {
	log := newFakeLog()
	require.NoError(t, NewCoordinator(log).RequestApproval(context.Background(), "subj", "acme", "deploy", "run-1", "gate-1", []string{"alice"}, 0, "", time.Now()))
	srv := newTestServer(t, log, nil)
	defer srv.Close()

	resp := doPost(t, srv, "/api/approvals/run-1/gate-1/grant", terminalRequest{Approver: "alice"}, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTP_Grant_MissingCSRF_400(t *testing.T) {
	log := newFakeLog()
	srv := newTestServer(t, log, nil)
	defer srv.Close()

	resp := doPost(t, srv, "/api/approvals/run-1/gate-1/grant", terminalRequest{Approver: "alice"}, false)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTP_Grant_NotAllowlisted_403(t *testing.T) {
	log := newFakeLog()
	require.NoError(t, NewCoordinator(log).RequestApproval(context.Background(), "subj", "acme", "deploy", "run-1", "gate-1", []string{"alice"}, 0, "", time.Now()))
	srv := newTestServer(t, log, []string{"ops@x"})
	defer srv.Close()

	resp := doPost(t, srv, "/api/approvals/run-1/gate-1/grant", terminalRequest{Approver: "alice"}, true)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHTTP_Deny_AfterGrant_409(t *testing.T) {
	log := newFakeLog()
	require.NoError(t, NewCoordinator(log).RequestApproval(context.Background(), "subj", "acme", "deploy", "run-1", "gate-1", []string{"alice"}, 0, "", time.Now()))
	srv := newTestServer(t, log, nil)
	defer srv.Close()

	resp := doPost(t, srv, "/api/approvals/run-1/gate-1/grant", terminalRequest{Approver: "alice"}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doPost(t, srv, "/api/approvals/run-1/gate-1/deny", terminalRequest{Approver: "bob", Reason: "no"}, true)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHTTP_Grant_DuplicateNoop_200(t *testing.T) {
	log := newFakeLog()
	require.NoError(t, NewCoordinator(log).RequestApproval(context.Background(), "subj", "acme", "deploy", "run-1", "gate-1", []string{"alice"}, 0, "", time.Now()))
	srv := newTestServer(t, log, nil)
	defer srv.Close()

	resp := doPost(t, srv, "/api/approvals/run-1/gate-1/grant", terminalRequest{Approver: "alice"}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doPost(t, srv, "/api/approvals/run-1/gate-1/grant", terminalRequest{Approver: "alice"}, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "noop", body["status"])
}

