package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/election"
	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/election/electiontest"
	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/voting"
	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/wallet/wallettest"
)

type apiFixture struct {
	server   *httptest.Server
	contract *electiontest.Contract
	provider *wallettest.Provider
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	contract := electiontest.New("Mark", "Mike", "Henry", "Rock")
	provider := wallettest.New(1)

	client, err := voting.New(provider, contract, voting.Config{})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	server := httptest.NewServer(NewAPIServer(client, nil).Router())
	t.Cleanup(server.Close)

	return &apiFixture{server: server, contract: contract, provider: provider}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]json.RawMessage
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func decodeSnapshot(t *testing.T, raw json.RawMessage) *election.Snapshot {
	t.Helper()
	var snap election.Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	return &snap
}

func errorCode(t *testing.T, body map[string]json.RawMessage) string {
	t.Helper()
	var code string
	require.NoError(t, json.Unmarshal(body["code"], &code))
	return code
}

func vote(index int) string {
	return fmt.Sprintf(`{"candidate_index": %d}`, index)
}

func TestAPIVoteFlow(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, "GET", "/api/v1/snapshot", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "no_snapshot", errorCode(t, body))

	resp, body = f.do(t, "POST", "/api/v1/vote", vote(0))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "not_connected", errorCode(t, body))

	resp, body = f.do(t, "POST", "/api/v1/connect", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decodeSnapshot(t, body["snapshot"])
	assert.Equal(t, f.provider.Account(0), snap.Account)
	assert.Len(t, snap.Candidates, 4)

	resp, body = f.do(t, "POST", "/api/v1/vote", vote(1))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap = decodeSnapshot(t, body["snapshot"])
	assert.Equal(t, uint64(1), snap.Candidates[1].VoteCount)
	assert.True(t, snap.CallerHasVoted)

	resp, body = f.do(t, "POST", "/api/v1/vote", vote(2))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "ineligible", errorCode(t, body))
	assert.Zero(t, f.contract.Count(2))

	resp, body = f.do(t, "GET", "/api/v1/snapshot", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var total uint64
	require.NoError(t, json.Unmarshal(body["total_votes"], &total))
	assert.Equal(t, uint64(1), total)
}

func TestAPIBadVoteRequest(t *testing.T) {
	f := newAPIFixture(t)

	for _, body := range []string{"", "{}", `{"candidate_index": -1}`, "not json"} {
		resp, out := f.do(t, "POST", "/api/v1/vote", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.Equal(t, "bad_request", errorCode(t, out))
	}
}

func TestAPIRejectedVote(t *testing.T) {
	f := newAPIFixture(t)
	resp, _ := f.do(t, "POST", "/api/v1/connect", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	f.contract.SetRevert(true)
	resp, body := f.do(t, "POST", "/api/v1/vote", vote(0))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "rejected", errorCode(t, body))

	var hash string
	require.NoError(t, json.Unmarshal(body["tx_hash"], &hash))
	assert.NotEmpty(t, hash)
}

func TestAPIConnectDeclined(t *testing.T) {
	f := newAPIFixture(t)
	f.provider.RejectConnect(true)

	resp, body := f.do(t, "POST", "/api/v1/connect", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "user_rejected", errorCode(t, body))

	resp, body = f.do(t, "GET", "/api/v1/session", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var session struct {
		Connected bool `json:"connected"`
	}
	require.NoError(t, json.Unmarshal(body["session"], &session))
	assert.False(t, session.Connected)
}

func TestAPISelection(t *testing.T) {
	f := newAPIFixture(t)
	resp, _ := f.do(t, "POST", "/api/v1/connect", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, "PUT", "/api/v1/selection", vote(7))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "ineligible", errorCode(t, body))

	resp, _ = f.do(t, "PUT", "/api/v1/selection", vote(3))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(t, "GET", "/api/v1/selection", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "true", string(body["selected"]))
	assert.JSONEq(t, "3", string(body["candidate_index"]))

	resp, body = f.do(t, "POST", "/api/v1/selection/cast", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, uint64(1), decodeSnapshot(t, body["snapshot"]).Candidates[3].VoteCount)

	resp, body = f.do(t, "GET", "/api/v1/selection", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "false", string(body["selected"]))

	resp, _ = f.do(t, "DELETE", "/api/v1/selection", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestAPIHealth(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, "GET", "/api/v1/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `"healthy"`, string(body["status"]))

	resp, _ = f.do(t, "POST", "/api/v1/refresh", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest("OPTIONS", f.server.URL+"/api/v1/vote", nil)
	require.NoError(t, err)
	preflight, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	preflight.Body.Close()
	assert.Equal(t, "*", preflight.Header.Get("Access-Control-Allow-Origin"))
}

func TestErrorStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{election.ErrProviderUnavailable, http.StatusServiceUnavailable},
		{election.ErrNotConnected, http.StatusUnauthorized},
		{election.ErrSubmissionInProgress, http.StatusConflict},
		{&election.IneligibleError{Reason: "closed"}, http.StatusUnprocessableEntity},
		{&election.RejectedError{Cause: election.ErrUserRejected}, http.StatusForbidden},
		{&election.RejectedError{Cause: election.ErrTransactionReverted}, http.StatusConflict},
		{&election.SyncError{Cause: election.ErrSessionChanged}, http.StatusConflict},
		{&election.SyncError{Cause: fmt.Errorf("rpc down")}, http.StatusBadGateway},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		status, _ := errorStatus(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
	}
}
