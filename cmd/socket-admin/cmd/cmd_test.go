package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	uri    string
	auth   string
	body   string
}

func fakeAdmin(t *testing.T, status int, body string) (*httptest.Server, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		calls = append(calls, recorded{r.Method, r.URL.RequestURI(), r.Header.Get("Authorization"), string(b)})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func run(t *testing.T, url string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(append([]string{"--url", url, "--token", "tok", "--output", "table"}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestStatus(t *testing.T) {
	srv, calls := fakeAdmin(t, http.StatusOK,
		`{"status":"ok","service":"go_socket_server","api_version":1,"capabilities":["sessions"],"sessions":3,"transports":{"ws":2,"raw-tcp":1},"uptime_seconds":90}`)

	out, err := run(t, srv.URL, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "go_socket_server")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "raw-tcp")

	require.Len(t, *calls, 1)
	assert.Equal(t, "/admin/status", (*calls)[0].uri)
	assert.Equal(t, "Bearer tok", (*calls)[0].auth)
}

func TestSessionList(t *testing.T) {
	srv, calls := fakeAdmin(t, http.StatusOK,
		`{"sessions":[{"id":"abc","transport":"ws","remote_addr":"1.2.3.4:5","local":false,"state":"active","connected_at":"2026-01-02T03:04:05Z"}]}`)

	out, err := run(t, srv.URL, "session", "list", "--transport", "ws")
	require.NoError(t, err)
	assert.Contains(t, out, "abc")
	assert.Contains(t, out, "2026-01-02 03:04:05")
	assert.Equal(t, "/admin/sessions?transport=ws", (*calls)[0].uri)
}

func TestSessionList_Empty(t *testing.T) {
	srv, _ := fakeAdmin(t, http.StatusOK, `{"sessions":[]}`)

	out, err := run(t, srv.URL, "session", "list", "--transport", "")
	require.NoError(t, err)
	assert.Contains(t, out, "No sessions found.")
}

func TestSessionKick(t *testing.T) {
	srv, calls := fakeAdmin(t, http.StatusNoContent, "")

	out, err := run(t, srv.URL, "session", "kick", "abc", "--mode", "disconnect")
	require.NoError(t, err)
	assert.Contains(t, out, "stopped")
	assert.Equal(t, http.MethodDelete, (*calls)[0].method)
	assert.Equal(t, "/admin/sessions/abc?mode=disconnect", (*calls)[0].uri)

	_, err = run(t, srv.URL, "session", "kick", "abc", "--mode", "explode")
	assert.Error(t, err)
}

func TestSessionCall(t *testing.T) {
	srv, calls := fakeAdmin(t, http.StatusOK, `{"status":"sent"}`)

	_, err := run(t, srv.URL, "session", "call", "abc", "notify", `{"a":1}`, "hello")
	require.NoError(t, err)

	require.Len(t, *calls, 1)
	assert.Equal(t, "/admin/sessions/abc/call", (*calls)[0].uri)

	var body struct {
		Command string            `json:"command"`
		Args    []json.RawMessage `json:"args"`
	}
	require.NoError(t, json.Unmarshal([]byte((*calls)[0].body), &body))
	assert.Equal(t, "notify", body.Command)
	require.Len(t, body.Args, 2)
	assert.JSONEq(t, `{"a":1}`, string(body.Args[0]))
	assert.JSONEq(t, `"hello"`, string(body.Args[1]))
}

func TestClient_APIError(t *testing.T) {
	srv, _ := fakeAdmin(t, http.StatusNotFound, `{"error":"Session not found"}`)

	_, err := NewClient(srv.URL, "").Request("GET", "/admin/sessions/nope", nil)
	require.Error(t, err)
	assert.Equal(t, "API error (404): Session not found", err.Error())
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	printTable(&buf, []string{"A", "LONG"}, [][]string{{"xyz", "1"}})
	assert.Equal(t, "A    LONG  \n---  ----  \nxyz  1     \n", buf.String())
}
