package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanocl-io/nanocl/pkg/events"
	"github.com/nanocl-io/nanocl/pkg/log"
	"github.com/nanocl-io/nanocl/pkg/objects"
	"github.com/nanocl-io/nanocl/pkg/process"
	"github.com/nanocl-io/nanocl/pkg/runtime"
	"github.com/nanocl-io/nanocl/pkg/state"
	"github.com/nanocl-io/nanocl/pkg/store"
	"github.com/nanocl-io/nanocl/pkg/types"
	"github.com/nanocl-io/nanocl/pkg/version"
	"github.com/nanocl-io/nanocl/pkg/vmimage"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

type testServer struct {
	h    http.Handler
	st   *store.Store
	rt   *runtime.FakeRuntime
	proc *process.Controller
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(dir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	bus := events.New(st, "node-test")
	t.Cleanup(bus.Stop)
	rt := runtime.NewFake()
	proc := process.New(st, rt, bus, "node-test")
	objs := objects.New(objects.Deps{Store: st, Bus: bus, Proc: proc})
	require.NoError(t, objs.Namespaces.EnsureDefault(context.Background()))
	srv := New(Deps{
		Store:   st,
		Bus:     bus,
		Objs:    objs,
		Proc:    proc,
		Images:  vmimage.New(st, dir),
		Applier: state.New(objs, version.ApiVersion),
		Config:  types.DaemonConfig{HostGateway: "192.168.1.1"},
	})
	return &testServer{h: srv.Handler(), st: st, rt: rt, proc: proc}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestPing(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/_ping", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	decodeInto(t, rec, &body)
	assert.Equal(t, "pong", body["msg"])

	rec = s.do(t, http.MethodHead, "/_ping", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/"+version.ApiVersion+"/_ping", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestVersionGate(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		path string
		code int
	}{
		{"current version", "/" + version.ApiVersion + "/_ping", http.StatusOK},
		{"older version", "/v0.1/_ping", http.StatusOK},
		{"future version", "/v99.0/_ping", http.StatusNotFound},
		{"garbage version", "/banana/_ping", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, tt.path, "")
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestBinaryVersion(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/version", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var info types.BinaryInfo
	decodeInto(t, rec, &info)
	assert.Equal(t, version.Version, info.Version)
	assert.Equal(t, version.Channel, info.Channel)
}

func TestCargoEndpoints(t *testing.T) {
	s := newTestServer(t)
	base := "/" + version.ApiVersion + "/cargoes"

	rec := s.do(t, http.MethodPost, base, `{"Name":"web","Container":{"Image":"nginx:latest"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var cargo types.Cargo
	decodeInto(t, rec, &cargo)
	assert.Equal(t, "global.web", cargo.Key)

	t.Run("rejects dotted name", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, base, `{"Name":"we.b","Container":{"Image":"nginx:latest"}}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
	t.Run("rejects unknown field", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, base, `{"Name":"web2","Container":{"Image":"nginx:latest"},"Bogus":1}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
	t.Run("rejects missing image", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, base, `{"Name":"web3","Container":{}}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
	t.Run("duplicate conflicts", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, base, `{"Name":"web","Container":{"Image":"nginx:latest"}}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("list and count", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, base, "")
		require.Equal(t, http.StatusOK, rec.Code)
		var list []types.Cargo
		decodeInto(t, rec, &list)
		assert.Len(t, list, 1)

		rec = s.do(t, http.MethodGet, base+"/count", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var count countBody
		decodeInto(t, rec, &count)
		assert.Equal(t, 1, count.Count)
	})

	t.Run("inspect", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, base+"/web/inspect", "")
		require.Equal(t, http.StatusOK, rec.Code)

		rec = s.do(t, http.MethodGet, base+"/ghost/inspect", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("put appends history", func(t *testing.T) {
		rec := s.do(t, http.MethodPut, base+"/web", `{"Name":"web","Container":{"Image":"nginx:1.27"}}`)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = s.do(t, http.MethodGet, base+"/web/histories", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var hist []json.RawMessage
		decodeInto(t, rec, &hist)
		assert.Len(t, hist, 2)
	})

	t.Run("delete", func(t *testing.T) {
		rec := s.do(t, http.MethodDelete, base+"/web", "")
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})
}

func TestSecretEndpoints(t *testing.T) {
	s := newTestServer(t)
	base := "/" + version.ApiVersion + "/secrets"

	rec := s.do(t, http.MethodPost, base,
		`{"Name":"web-env","Kind":"nanocl.io/env","Data":["PORT=8080"]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	t.Run("rejects malformed tls data", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, base,
			`{"Name":"web-tls","Kind":"nanocl.io/tls","Data":{"Certificate":"x"}}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("inspect", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, base+"/web-env/inspect", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var secret types.Secret
		decodeInto(t, rec, &secret)
		assert.Equal(t, types.SecretKindEnv, secret.Kind)
	})

	t.Run("patch", func(t *testing.T) {
		rec := s.do(t, http.MethodPatch, base+"/web-env", `{"Data":["PORT=9090"]}`)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("immutable secret refuses patch", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, base,
			`{"Name":"frozen","Kind":"nanocl.io/env","Immutable":true,"Data":["A=1"]}`)
		require.Equal(t, http.StatusCreated, rec.Code)

		rec = s.do(t, http.MethodPatch, base+"/frozen", `{"Data":["A=2"]}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("delete", func(t *testing.T) {
		rec := s.do(t, http.MethodDelete, base+"/web-env", "")
		assert.Equal(t, http.StatusAccepted, rec.Code)

		rec = s.do(t, http.MethodGet, base+"/web-env/inspect", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestProcessRouteValidation(t *testing.T) {
	s := newTestServer(t)
	base := "/" + version.ApiVersion + "/processes"

	rec := s.do(t, http.MethodGet, base+"/cargo/web/wait?condition=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, base+"/spaceship/web/start", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, base+"/cargo/ghost/start", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func parseStream(t *testing.T, rec *httptest.ResponseRecorder) []types.StateStream {
	t.Helper()
	var items []types.StateStream
	sc := bufio.NewScanner(rec.Body)
	for sc.Scan() {
		var item types.StateStream
		require.NoError(t, json.Unmarshal(sc.Bytes(), &item))
		items = append(items, item)
	}
	return items
}

// terminal returns the last status reported for one key.
func terminal(items []types.StateStream, key string) types.StateStatus {
	var status types.StateStatus
	for _, it := range items {
		if it.Key == key {
			status = it.Status
		}
	}
	return status
}

func TestStateApply(t *testing.T) {
	s := newTestServer(t)
	path := "/" + version.ApiVersion + "/state/apply"
	statefile := `
ApiVersion: ` + version.ApiVersion + `
Namespace: staging
Secrets:
- Name: web-env
  Kind: nanocl.io/env
  Data:
  - PORT=8080
Cargoes:
- Name: web
  Container:
    Image: nginx:latest
`

	rec := s.do(t, http.MethodPut, path, statefile)
	require.Equal(t, http.StatusOK, rec.Code)
	items := parseStream(t, rec)
	assert.Equal(t, types.StateStatusSuccess, terminal(items, "staging"))
	assert.Equal(t, types.StateStatusSuccess, terminal(items, "web-env"))
	assert.Equal(t, types.StateStatusSuccess, terminal(items, "staging.web"))

	t.Run("reapply is unchanged", func(t *testing.T) {
		rec := s.do(t, http.MethodPut, path, statefile)
		require.Equal(t, http.StatusOK, rec.Code)
		items := parseStream(t, rec)
		assert.Equal(t, types.StateStatusUnChanged, terminal(items, "staging"))
		assert.Equal(t, types.StateStatusUnChanged, terminal(items, "web-env"))
		assert.Equal(t, types.StateStatusUnChanged, terminal(items, "staging.web"))
	})

	t.Run("missing api version", func(t *testing.T) {
		rec := s.do(t, http.MethodPut, path, "Namespace: staging\n")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("future api version", func(t *testing.T) {
		rec := s.do(t, http.MethodPut, path, "ApiVersion: v99.0\n")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("remove deletes declared items", func(t *testing.T) {
		rec := s.do(t, http.MethodPut, "/"+version.ApiVersion+"/state/remove", statefile)
		require.Equal(t, http.StatusOK, rec.Code)
		items := parseStream(t, rec)
		assert.Equal(t, types.StateStatusSuccess, terminal(items, "staging.web"))
		assert.Equal(t, types.StateStatusSuccess, terminal(items, "web-env"))
	})
}

func TestEventsHistory(t *testing.T) {
	s := newTestServer(t)
	base := "/" + version.ApiVersion

	rec := s.do(t, http.MethodPost, base+"/cargoes", `{"Name":"web","Container":{"Image":"nginx:latest"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodGet, base+"/events/history?action=create", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []types.Event
	decodeInto(t, rec, &list)
	require.NotEmpty(t, list)
	assert.Equal(t, types.ActionCreate, list[0].Action)
}

func TestVmAttachThroughMiddleware(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	p, err := s.proc.Create(ctx, types.ObjKindVm, "global.dev", "dev.global.v", &types.ContainerSpec{Image: "debian:13"})
	require.NoError(t, err)
	require.NoError(t, s.rt.StartContainer(ctx, p.Key))

	hs := httptest.NewServer(s.h)
	defer hs.Close()

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/" + version.ApiVersion + "/vms/dev/attach"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "upgrade must survive the logging middleware")
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("uname -a\n")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("uname -a\n"), data)
}

func TestVmAttachWithoutInstance(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/"+version.ApiVersion+"/vms/ghost/attach", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
