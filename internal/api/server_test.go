package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prefbridge/prefbridge/internal/actions"
	"github.com/prefbridge/prefbridge/internal/core"
	"github.com/prefbridge/prefbridge/internal/events"
	"github.com/prefbridge/prefbridge/internal/session"
	"github.com/prefbridge/prefbridge/internal/store"
	"github.com/prefbridge/prefbridge/internal/syncthing"
	"github.com/prefbridge/prefbridge/internal/syncthing/syncthingtest"
	"github.com/prefbridge/prefbridge/internal/testutil"
)

type staticStatus syncthing.Status

func (s staticStatus) Status() syncthing.Status { return syncthing.Status(s) }

type fixture struct {
	daemon   *syncthingtest.Server
	backend  *testutil.MemoryBackend
	sessions *session.Manager
	bus      *events.EventBus
	server   *Server
}

func newFixture(t *testing.T, opts ...ServerOption) *fixture {
	t.Helper()
	fx := &fixture{daemon: syncthingtest.NewServer()}
	t.Cleanup(fx.daemon.Close)

	client, err := syncthing.NewClient(fx.daemon.URL, syncthingtest.APIKey, syncthing.WithTimeout(time.Second))
	require.NoError(t, err)
	api := syncthing.NewRestAPI(client)
	require.NoError(t, api.Load(context.Background()))

	fx.backend = testutil.NewMemoryBackend(core.EmptySnapshot())
	st := store.New(context.Background(), fx.backend, store.WithFlushDelay(10*time.Millisecond))
	fx.bus = events.New(64)

	fx.sessions = session.NewManager(session.Deps{
		Store:    st,
		Daemon:   api,
		Bus:      fx.bus,
		Debounce: 10 * time.Millisecond,
	})
	t.Cleanup(func() {
		_ = fx.sessions.Close(context.Background())
		_ = st.Close(context.Background())
		fx.bus.Close()
	})

	runner := actions.NewRunner(api, st, actions.WithEventBus(fx.bus))
	opts = append([]ServerOption{
		WithActions(runner),
		WithDaemonStatus(staticStatus{State: core.DaemonActive, ConfigLoaded: true, Tick: 3}),
		WithVersion("test"),
	}, opts...)
	fx.server = NewServer(fx.sessions, fx.bus, opts...)
	return fx
}

func (fx *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (fx *fixture) startSession(t *testing.T) session.Status {
	t.Helper()
	rec := fx.do(t, http.MethodPost, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var st session.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	return st
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	fx := newFixture(t)
	rec := fx.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON[map[string]string](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestSessions_Lifecycle(t *testing.T) {
	fx := newFixture(t)
	st := fx.startSession(t)
	assert.NotEmpty(t, st.ID)
	assert.False(t, st.RemoteInert)

	rec := fx.do(t, http.MethodGet, "/api/v1/sessions/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, st.ID, decodeJSON[session.Status](t, rec).ID)

	rec = fx.do(t, http.MethodPost, "/api/v1/sessions/"+st.ID+"/background", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeJSON[session.Status](t, rec).Foreground)

	rec = fx.do(t, http.MethodPost, "/api/v1/sessions/"+st.ID+"/foreground", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeJSON[session.Status](t, rec).Foreground)

	rec = fx.do(t, http.MethodDelete, "/api/v1/sessions/"+st.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = fx.do(t, http.MethodGet, "/api/v1/sessions/"+st.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, core.CodeNotFound, decodeJSON[errorResponse](t, rec).Code)
}

func TestPrefs_PatchLocal(t *testing.T) {
	fx := newFixture(t)
	st := fx.startSession(t)
	path := "/api/v1/sessions/" + st.ID + "/prefs/local"

	rec := fx.do(t, http.MethodPatch, path, map[string]any{
		"values": map[string]any{
			"run_on_wifi":         false,
			"wifi_ssid_whitelist": []string{"home"},
			"backup_password":     "s3cret",
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeJSON[PrefsResponse](t, rec)
	assert.Equal(t, core.ScopeLocal, resp.Scope)
	assert.Equal(t, false, resp.Values["run_on_wifi"])
	assert.NotContains(t, resp.Values, "backup_password")

	require.Eventually(t, func() bool {
		return !core.RunOnWifi.Get(fx.backend.Data()) && core.BackupPassword.Get(fx.backend.Data()) == "s3cret"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPrefs_PatchRejectsInvalid(t *testing.T) {
	fx := newFixture(t)
	st := fx.startSession(t)
	path := "/api/v1/sessions/" + st.ID + "/prefs/local"

	rec := fx.do(t, http.MethodPatch, path, map[string]any{"values": map[string]any{"app_theme": "neon"}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, core.CodeInvalidValue, decodeJSON[errorResponse](t, rec).Code)

	rec = fx.do(t, http.MethodPatch, path, map[string]any{"values": map[string]any{"run_on_wifi": "maybe"}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = fx.do(t, http.MethodPatch, path, map[string]any{"values": map[string]any{"wifi_whitelist": true}})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeJSON[errorResponse](t, rec)
	assert.Equal(t, core.CodeUnknownKey, body.Code)
	assert.Contains(t, body.Error, "wifi_ssid_whitelist")

	rec = fx.do(t, http.MethodPatch, path, map[string]any{"values": map[string]any{"device_name": "x"}})
	assert.Equal(t, core.CodeWrongScope, decodeJSON[errorResponse](t, rec).Code)

	rec = fx.do(t, http.MethodGet, "/api/v1/sessions/"+st.ID+"/prefs/cloud", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = fx.do(t, http.MethodPatch, path, map[string]any{"values": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPrefs_PatchDaemon(t *testing.T) {
	fx := newFixture(t)
	st := fx.startSession(t)
	path := "/api/v1/sessions/" + st.ID + "/prefs/daemon"

	rec := fx.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeJSON[PrefsResponse](t, rec)
	assert.Equal(t, "phone", resp.Values["device_name"])
	assert.False(t, resp.Inert)

	rec = fx.do(t, http.MethodPatch, path, map[string]any{"values": map[string]any{"device_name": "laptop"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		dev, _ := fx.daemon.Config().Device(syncthingtest.DeviceID)
		return dev.Name == "laptop"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestKeys(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodGet, "/api/v1/keys?scope=daemon", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decodeJSON[[]keyInfo](t, rec)
	assert.Len(t, all, len(core.KeyNames(core.ScopeDaemon)))
	for _, k := range all {
		assert.Equal(t, core.ScopeDaemon, k.Scope)
		if k.Name == "web_gui_password" {
			assert.True(t, k.Secret)
			assert.Nil(t, k.Default)
		}
	}

	rec = fx.do(t, http.MethodGet, "/api/v1/keys?q=wifi", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	names := make([]string, 0)
	for _, k := range decodeJSON[[]keyInfo](t, rec) {
		names = append(names, k.Name)
	}
	assert.Contains(t, names, "run_on_wifi")
	assert.NotContains(t, names, "device_name")
}

func TestDaemonStatus(t *testing.T) {
	fx := newFixture(t)
	rec := fx.do(t, http.MethodGet, "/api/v1/daemon/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeJSON[syncthing.Status](t, rec)
	assert.True(t, st.Usable())
	assert.Equal(t, uint64(3), st.Tick)

	rec = fx.do(t, http.MethodGet, "/api/v1/daemon/usage-report", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "uniqueID")
}

func TestActions(t *testing.T) {
	fx := newFixture(t)
	out := filepath.Join(t.TempDir(), "backup.tar.gz")

	rec := fx.do(t, http.MethodPost, "/api/v1/actions/export", BackupRequest{Path: out})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeJSON[actions.Result](t, rec)
	assert.True(t, res.Success)
	assert.Equal(t, out, res.Path)

	rec = fx.do(t, http.MethodPost, "/api/v1/actions/import", BackupRequest{Path: out, DryRun: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = fx.do(t, http.MethodPost, "/api/v1/actions/import", BackupRequest{Path: filepath.Join(t.TempDir(), "missing")})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, decodeJSON[actions.Result](t, rec).Success)

	rec = fx.do(t, http.MethodPost, "/api/v1/actions/undo-ignored", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = fx.do(t, http.MethodPost, "/api/v1/actions/reset-database", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, fx.daemon.Resets())

	rec = fx.do(t, http.MethodPost, "/api/v1/actions/support-bundle", SupportBundleRequest{Dir: t.TempDir()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decodeJSON[actions.Result](t, rec).Path)
}

func TestActions_NotConfigured(t *testing.T) {
	srv := NewServer(session.NewManager(session.Deps{}), nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/actions/undo-ignored", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	fx := newFixture(t, WithAllowedOrigins("http://localhost:5173"))
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/keys", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	rec := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestSessionEvents(t *testing.T) {
	fx := newFixture(t)
	st := fx.startSession(t)
	ts := httptest.NewServer(fx.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/sessions/"+st.ID+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	var seenTypes []string
	edited := false
	for line := range lines {
		if !strings.HasPrefix(line, "event: ") {
			if edited && strings.Contains(line, `"origin":"local"`) && strings.Contains(line, `"expert_mode":true`) {
				break
			}
			continue
		}
		seenTypes = append(seenTypes, strings.TrimPrefix(line, "event: "))
		if !edited && len(seenTypes) == 3 {
			edited = true
			rec := fx.do(t, http.MethodPatch, "/api/v1/sessions/"+st.ID+"/prefs/local",
				map[string]any{"values": map[string]any{"expert_mode": true}})
			require.Equal(t, http.StatusOK, rec.Code)
		}
	}
	require.True(t, edited)
	assert.Equal(t, []string{"connected", events.TypeSnapshotChanged, events.TypeSnapshotChanged}, seenTypes[:3])
	assert.NoError(t, ctx.Err(), "local edit not streamed")
}
