package remote

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/prefbridge/prefbridge/internal/core"
	"github.com/prefbridge/prefbridge/internal/syncthing"
	"github.com/prefbridge/prefbridge/internal/syncthing/syncthingtest"
)

func newDaemon(t *testing.T) (*syncthingtest.Server, *syncthing.RestAPI) {
	t.Helper()
	srv := syncthingtest.NewServer()
	t.Cleanup(srv.Close)
	client, err := syncthing.NewClient(srv.URL, syncthingtest.APIKey)
	require.NoError(t, err)
	api := syncthing.NewRestAPI(client)
	require.NoError(t, api.Load(context.Background()))
	srv.ResetRequests()
	return srv, api
}

func diffOf(kv map[string]core.Value) core.Diff {
	return core.NewDiff(kv)
}

func TestProjectFromRemote(t *testing.T) {
	_, api := newDaemon(t)

	s := ProjectFromRemote(api)
	assert.Equal(t, "phone", core.DeviceName.Get(s))
	assert.Equal(t, syncthingtest.APIKey, core.APIKey.Get(s))
	assert.False(t, core.UsageReporting.Get(s))
	assert.Equal(t, "default", core.ListenAddresses.Get(s))
	assert.Equal(t, "default", core.GlobalServers.Get(s))
	assert.True(t, core.NATTraversal.Get(s))
	assert.True(t, core.Relaying.Get(s))
	assert.Equal(t, int32(8384), core.WebGUIPort.Get(s))
	assert.False(t, core.WebGUIRemoteAccess.Get(s))
	assert.Equal(t, "syncthing", core.WebGUIUsername.Get(s))
	assert.True(t, core.CrashReporting.Get(s))

	_, hasPassword := s.Get(core.WebGUIPassword.Name())
	assert.False(t, hasPassword, "the password is never projected")
}

func TestProjectFromRemote_NotLoaded(t *testing.T) {
	client, err := syncthing.NewClient("127.0.0.1:1", "k")
	require.NoError(t, err)
	assert.Equal(t, 0, ProjectFromRemote(syncthing.NewRestAPI(client)).Len())
}

func TestProjectFromRemote_BadPortFallsBack(t *testing.T) {
	srv, api := newDaemon(t)
	cfg := srv.Config()
	cfg.GUI.Address = "0.0.0.0"
	srv.SetConfig(cfg)
	require.NoError(t, api.Load(context.Background()))

	s := ProjectFromRemote(api)
	assert.Equal(t, int32(core.DefaultWebGUIPort), core.WebGUIPort.Get(s))
	assert.True(t, core.WebGUIRemoteAccess.Get(s))
}

func TestApplyToRemote_RemoteAccessRoundTrip(t *testing.T) {
	srv, api := newDaemon(t)
	ctx := context.Background()

	_, err := ApplyToRemote(ctx, api, diffOf(map[string]core.Value{
		"web_gui_remote_access": core.Bool(true),
		"web_gui_port":          core.Int(9090),
	}))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9090", srv.Config().GUI.Address)

	s := ProjectFromRemote(api)
	assert.True(t, core.WebGUIRemoteAccess.Get(s))
	assert.Equal(t, int32(9090), core.WebGUIPort.Get(s))

	// A port-only change keeps the bind host.
	_, err = ApplyToRemote(ctx, api, diffOf(map[string]core.Value{"web_gui_port": core.Int(9091)}))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9091", srv.Config().GUI.Address)

	// Turning remote access off keeps the configured port.
	_, err = ApplyToRemote(ctx, api, diffOf(map[string]core.Value{"web_gui_remote_access": core.Bool(false)}))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9091", srv.Config().GUI.Address)
}

func TestApplyToRemote_NotLoadedIsSkipped(t *testing.T) {
	srv, api := newDaemon(t)
	srv.SetDown(true)
	require.Error(t, api.Load(context.Background()))

	result, err := ApplyToRemote(context.Background(), api, diffOf(map[string]core.Value{
		"device_name": core.String("x"),
	}))
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Empty(t, srv.Requests())
}

func TestApplyToRemote_OrderAndDevice(t *testing.T) {
	srv, api := newDaemon(t)

	result, err := ApplyToRemote(context.Background(), api, diffOf(map[string]core.Value{
		"usage_reporting":     core.Bool(true),
		"listen_addresses":    core.String("tcp://0.0.0.0:22000, , quic://0.0.0.0:22000"),
		"incoming_rate_limit": core.Int(250),
		"device_name":         core.String("laptop"),
	}))
	require.NoError(t, err)
	assert.True(t, result.DeviceUpdated)
	assert.ElementsMatch(t, []string{"usage_reporting", "listen_addresses", "incoming_rate_limit", "device_name"}, result.Applied)

	writes := srv.Writes()
	require.Len(t, writes, 3)
	assert.Equal(t, "/rest/config/options", writes[0].Path, "usage reporting goes first")
	assert.Equal(t, "/rest/config/options", writes[1].Path)
	assert.Equal(t, http.MethodPut, writes[2].Method)
	assert.Equal(t, "/rest/config/devices/"+syncthingtest.DeviceID, writes[2].Path)

	cfg := srv.Config()
	assert.Equal(t, []string{"tcp://0.0.0.0:22000", "quic://0.0.0.0:22000"}, cfg.Options.ListenAddresses)
	assert.Equal(t, 250, cfg.Options.MaxRecvKbps)
	assert.Equal(t, 3, cfg.Options.URAccepted)
	dev, _ := cfg.Device(syncthingtest.DeviceID)
	assert.Equal(t, "laptop", dev.Name)
}

func TestApplyToRemote_UnchangedDeviceNameNotPushed(t *testing.T) {
	srv, api := newDaemon(t)

	result, err := ApplyToRemote(context.Background(), api, diffOf(map[string]core.Value{
		"device_name": core.String("phone"),
	}))
	require.NoError(t, err)
	assert.False(t, result.DeviceUpdated)
	assert.Empty(t, srv.Writes())
}

func TestApplyToRemote_PasswordIsHashed(t *testing.T) {
	srv, api := newDaemon(t)

	_, err := ApplyToRemote(context.Background(), api, diffOf(map[string]core.Value{
		"web_gui_password": core.String("hunter22"),
	}))
	require.NoError(t, err)

	hash := srv.Config().GUI.Password
	assert.NotEqual(t, "hunter22", hash)
	cost, err := bcrypt.Cost([]byte(hash))
	require.NoError(t, err)
	assert.Equal(t, PasswordHashCost, cost)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter22")))
}

func TestApplyToRemote_WrongKindAppliesNothing(t *testing.T) {
	srv, api := newDaemon(t)

	_, err := ApplyToRemote(context.Background(), api, diffOf(map[string]core.Value{
		"usage_reporting": core.Bool(true),
		"web_gui_port":    core.String("9090"),
	}))
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))
	assert.Empty(t, srv.Writes())
}

func TestApplyToRemote_LocalKeyRejected(t *testing.T) {
	srv, api := newDaemon(t)

	_, err := ApplyToRemote(context.Background(), api, diffOf(map[string]core.Value{
		"run_on_wifi": core.Bool(true),
	}))
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))
	assert.Empty(t, srv.Writes())
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"default", []string{"default"}},
		{" a , b,,c ", []string{"a", "b", "c"}},
		{"", []string{}},
		{" , ", []string{}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, splitList(tt.in), "input %q", tt.in)
	}
}
