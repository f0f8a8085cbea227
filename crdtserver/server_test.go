package main

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crdtrelay/config"
	"crdtrelay/crdtpubsub"
	"crdtrelay/oplog"
)

func testConfig(author string) *config.Config {
	cfg := config.Default()
	cfg.Node.Author = author
	cfg.Transport.Kind = config.TransportMemory
	cfg.Crypto.Kind = config.CipherPlain
	cfg.Publish.Backoff = time.Millisecond
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, ps crdtpubsub.PubSub) *Server {
	t.Helper()
	s, err := newServer(cfg, prometheus.NewRegistry(), ps)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func do(t *testing.T, s *Server, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)

	var out map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec.Code, out
}

func TestServer_Mutations(t *testing.T) {
	s := newTestServer(t, testConfig("alice"), nil)

	code, body := do(t, s, http.MethodPost, "/crdt/title/set", `{"value":"hello"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "title", body["key"])
	assert.Equal(t, "lww_register", body["type"])
	assert.Equal(t, "alice", body["author"])
	assert.Equal(t, "hello", body["value"])
	assert.NotEmpty(t, body["id"])

	code, body = do(t, s, http.MethodPost, "/crdt/hits/increment", `{"amount":4}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(4), body["value"])

	// an empty body increments by one
	code, body = do(t, s, http.MethodPost, "/crdt/hits/increment", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(5), body["value"])

	code, _ = do(t, s, http.MethodPost, "/crdt/tags/add", `{"value":"red"}`)
	require.Equal(t, http.StatusOK, code)
	code, body = do(t, s, http.MethodPost, "/crdt/tags/add", `{"value":"blue"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []interface{}{"blue", "red"}, body["value"])

	code, body = do(t, s, http.MethodGet, "/crdt/hits", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "g_counter", body["type"])
	assert.Equal(t, float64(5), body["value"])

	req := httptest.NewRequest(http.MethodGet, "/crdt", nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var keys []keyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &keys))
	require.Len(t, keys, 3)
	assert.Equal(t, "hits", keys[0].Key)
	assert.Equal(t, "tags", keys[1].Key)
	assert.Equal(t, "title", keys[2].Key)
}

func TestServer_Errors(t *testing.T) {
	s := newTestServer(t, testConfig("alice"), nil)

	code, _ := do(t, s, http.MethodGet, "/crdt/missing", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, s, http.MethodPost, "/crdt/hits/increment", `{"amount":-1}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, s, http.MethodPost, "/crdt/title/set", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, s, http.MethodPost, "/crdt/title/set", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, s, http.MethodPost, "/crdt/title/set", `{"value":"x"}`)
	require.Equal(t, http.StatusOK, code)
	code, body := do(t, s, http.MethodPost, "/crdt/title/add", `{"value":"x"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["error"], "lww_register")

	code, _ = do(t, s, http.MethodGet, "/crdt/title/set", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)

	code, _ = do(t, s, http.MethodOptions, "/crdt/title/set", "")
	assert.Equal(t, http.StatusNoContent, code)
}

func TestServer_Replication(t *testing.T) {
	ps := crdtpubsub.NewMemoryPubSub(nil)
	defer ps.Close()

	alice := newTestServer(t, testConfig("alice"), ps)
	bob := newTestServer(t, testConfig("bob"), ps)

	code, _ := do(t, alice, http.MethodPost, "/crdt/hits/increment", `{"amount":2}`)
	require.Equal(t, http.StatusOK, code)
	code, _ = do(t, bob, http.MethodPost, "/crdt/hits/increment", `{"amount":3}`)
	require.Equal(t, http.StatusOK, code)

	for _, s := range []*Server{alice, bob} {
		assert.Eventually(t, func() bool {
			code, body := do(t, s, http.MethodGet, "/crdt/hits", "")
			return code == http.StatusOK && body["value"] == float64(5)
		}, 5*time.Second, 10*time.Millisecond)
	}
}

func TestServer_HealthAndMetrics(t *testing.T) {
	s := newTestServer(t, testConfig("alice"), nil)

	code, body := do(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "alice", body["author"])
	assert.Equal(t, "crdtrelay", body["identity"])
	assert.Equal(t, "memory", body["transport"])

	code, body = do(t, s, http.MethodGet, "/peers", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []interface{}{"crdtrelay"}, body["recipients"])

	code, _ = do(t, s, http.MethodPost, "/crdt/hits/increment", "")
	require.Equal(t, http.StatusOK, code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `crdtrelay_ops_applied_total{crdt_type="g_counter"} 1`)
}

func TestServer_Events(t *testing.T) {
	s := newTestServer(t, testConfig("alice"), nil)
	ts := httptest.NewServer(s.server.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, `"event":"connected"`)

	code, _ := do(t, s, http.MethodPost, "/crdt/tags/add", `{"value":"red"}`)
	require.Equal(t, http.StatusOK, code)

	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	var e event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &e))
	assert.Equal(t, "change", e.Event)
	assert.Equal(t, "tags", e.Key)
	assert.Equal(t, []interface{}{"red"}, e.Value)
}

func TestLoadBoxCipher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")

	created, err := loadBoxCipher(path)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(created.PrivateKey()), strings.TrimSpace(string(data)))

	loaded, err := loadBoxCipher(path)
	require.NoError(t, err)
	assert.Equal(t, created.Identity(), loaded.Identity())

	require.NoError(t, os.WriteFile(path, []byte("zz"), 0o600))
	_, err = loadBoxCipher(path)
	assert.Error(t, err)

	ephemeral, err := loadBoxCipher("")
	require.NoError(t, err)
	assert.NotEqual(t, created.Identity(), ephemeral.Identity())
}

func TestServer_BoxAndDatastoreLog(t *testing.T) {
	cfg := testConfig("alice")
	cfg.Crypto.Kind = config.CipherBox
	cfg.Crypto.KeyFile = filepath.Join(t.TempDir(), "alice.key")
	cfg.OpLog.Kind = config.OpLogDatastore
	cfg.Node.Clock = config.ClockSnowflake
	cfg.Node.SnowflakeNode = 1

	s := newTestServer(t, cfg, nil)
	require.NotNil(t, s.box)
	_, ok := s.opLog.(*oplog.DatastoreLog)
	assert.True(t, ok)

	code, body := do(t, s, http.MethodPost, "/crdt/title/set", `{"value":"sealed"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "sealed", body["value"])
	assert.Equal(t, []string{s.box.Identity()}, s.manager.Recipients())
}

func TestNewServer_InvalidConfig(t *testing.T) {
	cfg := testConfig("alice")
	cfg.Transport.Kind = "carrier-pigeon"
	_, err := NewServer(cfg, prometheus.NewRegistry())
	assert.ErrorIs(t, err, config.ErrUnknownTransport)
}
