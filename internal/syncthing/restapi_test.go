package syncthing_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prefbridge/prefbridge/internal/core"
	"github.com/prefbridge/prefbridge/internal/syncthing"
	"github.com/prefbridge/prefbridge/internal/syncthing/syncthingtest"
)

func loadedAPI(t *testing.T) (*syncthingtest.Server, *syncthing.RestAPI) {
	t.Helper()
	srv, client := newFake(t)
	api := syncthing.NewRestAPI(client)
	require.NoError(t, api.Load(context.Background()))
	srv.ResetRequests()
	return srv, api
}

func TestRestAPI_NotLoadedBeforeLoad(t *testing.T) {
	_, client := newFake(t)
	api := syncthing.NewRestAPI(client)

	assert.False(t, api.IsConfigLoaded())
	assert.Equal(t, core.DaemonInactive, api.State())
	assert.Empty(t, api.APIKey())

	err := api.EditSettings(context.Background(), syncthing.GUI{}, syncthing.Options{})
	assert.True(t, core.IsCategory(err, core.ErrCatState))
}

func TestRestAPI_Load(t *testing.T) {
	_, api := loadedAPI(t)

	assert.True(t, api.IsConfigLoaded())
	assert.Equal(t, core.DaemonActive, api.State())
	assert.Equal(t, syncthingtest.APIKey, api.APIKey())
	assert.Equal(t, "phone", api.LocalDevice().Name)
	assert.Equal(t, "127.0.0.1", api.GUI().BindHost())
	assert.Equal(t, "8384", api.GUI().BindPort())
	assert.False(t, api.UsageReportingAccepted())
}

func TestRestAPI_LoadStates(t *testing.T) {
	srv, client := newFake(t)
	api := syncthing.NewRestAPI(client)

	srv.SetConfigUnavailable(true)
	require.Error(t, api.Load(context.Background()))
	assert.Equal(t, core.DaemonStarting, api.State())
	assert.False(t, api.IsConfigLoaded())

	srv.SetDown(true)
	require.Error(t, api.Load(context.Background()))
	assert.Equal(t, core.DaemonInactive, api.State())
}

func TestRestAPI_EditSettingsSendsChangedSectionsOnly(t *testing.T) {
	srv, api := loadedAPI(t)
	ctx := context.Background()

	opts := api.Options()
	opts.MaxRecvKbps = 500
	require.NoError(t, api.EditSettings(ctx, api.GUI(), opts))

	writes := srv.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "/rest/config/options", writes[0].Path)
	assert.Equal(t, 500, srv.Config().Options.MaxRecvKbps)
	assert.JSONEq(t, `0`, string(srv.Config().Options.Extra["maxFolderConcurrency"]))
	assert.Equal(t, 500, api.Options().MaxRecvKbps)
}

func TestRestAPI_UpdateDevice(t *testing.T) {
	srv, api := loadedAPI(t)

	dev := api.LocalDevice()
	dev.Name = "laptop"
	require.NoError(t, api.UpdateDevice(context.Background(), dev))

	writes := srv.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, http.MethodPut, writes[0].Method)
	assert.Equal(t, "/rest/config/devices/"+syncthingtest.DeviceID, writes[0].Path)

	got, ok := srv.Config().Device(syncthingtest.DeviceID)
	require.True(t, ok)
	assert.Equal(t, "laptop", got.Name)
	assert.JSONEq(t, `"metadata"`, string(got.Extra["compression"]))
	assert.Equal(t, "laptop", api.LocalDevice().Name)
}

func TestRestAPI_SetUsageReporting(t *testing.T) {
	srv, api := loadedAPI(t)
	ctx := context.Background()

	require.NoError(t, api.SetUsageReporting(ctx, true))
	assert.True(t, api.UsageReportingAccepted())
	assert.Equal(t, 3, srv.Config().Options.URAccepted)

	require.NoError(t, api.SetUsageReporting(ctx, false))
	assert.False(t, api.UsageReportingAccepted())
	assert.Equal(t, -1, srv.Config().Options.URAccepted)
}

func TestRestAPI_UndoIgnored(t *testing.T) {
	srv, client := newFake(t)
	cfg := syncthingtest.DefaultConfig()
	cfg.RemoteIgnoredDevices = []json.RawMessage{json.RawMessage(`{"deviceID":"X"}`)}
	cfg.Devices[0].IgnoredFolders = []json.RawMessage{json.RawMessage(`{"id":"photos"}`)}
	srv.SetConfig(cfg)

	api := syncthing.NewRestAPI(client)
	require.NoError(t, api.Load(context.Background()))
	require.NoError(t, api.UndoIgnored(context.Background()))

	got := srv.Config()
	assert.Empty(t, got.RemoteIgnoredDevices)
	assert.Empty(t, got.Devices[0].IgnoredFolders)
	assert.JSONEq(t, `{"folder":{}}`, string(got.Extra["defaults"]))
}

func TestRestAPI_CopiesAreIndependent(t *testing.T) {
	_, api := loadedAPI(t)

	opts := api.Options()
	opts.ListenAddresses[0] = "tcp://mutated"
	assert.Equal(t, []string{"default"}, api.Options().ListenAddresses)

	cfg, err := api.Config()
	require.NoError(t, err)
	cfg.Devices[0].Name = "mutated"
	assert.Equal(t, "phone", api.LocalDevice().Name)
}

func TestRestAPI_SupportBundleViaAPI(t *testing.T) {
	_, api := loadedAPI(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	report, err := api.UsageReport(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, report)
}
