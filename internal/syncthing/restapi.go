package syncthing

import (
	"context"
	"encoding/json"
	"io"
	"reflect"
	"sync"

	"github.com/prefbridge/prefbridge/internal/core"
)

// RestAPI caches the daemon configuration and applies edits to it. It is the
// daemon-side view the preference bridge reads from and writes to.
type RestAPI struct {
	client *Client

	mu     sync.RWMutex
	cfg    *Config
	status *SystemStatus
	state  core.DaemonState
	loaded bool
}

// NewRestAPI creates an API view over client. Nothing is fetched until Load
// is called or a Monitor starts polling.
func NewRestAPI(client *Client) *RestAPI {
	return &RestAPI{
		client: client,
		state:  core.DaemonInactive,
	}
}

// Client returns the underlying REST client.
func (a *RestAPI) Client() *Client {
	return a.client
}

type probeResult struct {
	reachable bool
	status    *SystemStatus
	cfg       *Config
	err       error
}

func (a *RestAPI) probe(ctx context.Context) probeResult {
	if err := a.client.Ping(ctx); err != nil {
		return probeResult{err: err}
	}
	status, err := a.client.Status(ctx)
	if err != nil {
		return probeResult{reachable: true, err: err}
	}
	cfg, err := a.client.Config(ctx)
	if err != nil {
		return probeResult{reachable: true, err: err}
	}
	return probeResult{reachable: true, status: status, cfg: cfg}
}

// Load probes the daemon once and replaces the cached state with the result.
func (a *RestAPI) Load(ctx context.Context) error {
	r := a.probe(ctx)
	switch {
	case r.cfg != nil:
		a.apply(core.DaemonActive, r.status, r.cfg)
	case r.reachable:
		a.apply(core.DaemonStarting, nil, nil)
	default:
		a.apply(core.DaemonInactive, nil, nil)
	}
	return r.err
}

// apply records a probe outcome. A nil cfg keeps the previous configuration
// cached but marks it not loaded.
func (a *RestAPI) apply(state core.DaemonState, status *SystemStatus, cfg *Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = state
	if cfg != nil {
		a.cfg = cfg
		a.status = status
	}
	a.loaded = cfg != nil && state == core.DaemonActive
}

// State returns the daemon lifecycle state.
func (a *RestAPI) State() core.DaemonState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// IsConfigLoaded reports whether a current configuration is cached.
func (a *RestAPI) IsConfigLoaded() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.loaded
}

// Config returns a copy of the cached configuration.
func (a *RestAPI) Config() (*Config, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.loaded {
		return nil, errNotLoaded()
	}
	return a.cfg.Clone(), nil
}

// Options returns a copy of the options section.
func (a *RestAPI) Options() Options {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.cfg == nil {
		return Options{}
	}
	return a.cfg.Options.Clone()
}

// GUI returns a copy of the GUI section.
func (a *RestAPI) GUI() GUI {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.cfg == nil {
		return GUI{}
	}
	return a.cfg.GUI.Clone()
}

// LocalDevice returns the device entry of the daemon itself.
func (a *RestAPI) LocalDevice() Device {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.cfg == nil || a.status == nil {
		return Device{}
	}
	d, _ := a.cfg.Device(a.status.MyID)
	return d.Clone()
}

// Folders returns the configured folders.
func (a *RestAPI) Folders() []Folder {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.cfg == nil {
		return nil
	}
	out := make([]Folder, len(a.cfg.Folders))
	copy(out, a.cfg.Folders)
	return out
}

// APIKey returns the daemon's API key.
func (a *RestAPI) APIKey() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.cfg == nil {
		return ""
	}
	return a.cfg.GUI.APIKey
}

// UsageReportingAccepted reports whether anonymous usage reporting is on.
func (a *RestAPI) UsageReportingAccepted() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg != nil && a.cfg.Options.URAccepted > 0
}

// SetUsageReporting accepts or declines usage reporting and pushes the
// options section immediately.
func (a *RestAPI) SetUsageReporting(ctx context.Context, accepted bool) error {
	a.mu.RLock()
	if !a.loaded {
		a.mu.RUnlock()
		return errNotLoaded()
	}
	opts := a.cfg.Options.Clone()
	version := DefaultUsageReportVersion
	if a.status != nil && a.status.URVersionMax > 0 {
		version = a.status.URVersionMax
	}
	a.mu.RUnlock()

	if accepted {
		opts.URAccepted = version
		opts.URSeen = version
	} else {
		opts.URAccepted = -1
	}
	if err := a.client.SetOptions(ctx, opts); err != nil {
		return err
	}

	a.mu.Lock()
	a.cfg.Options = opts
	a.mu.Unlock()
	return nil
}

// EditSettings pushes the GUI and options sections. Sections equal to the
// cached ones are not sent.
func (a *RestAPI) EditSettings(ctx context.Context, gui GUI, opts Options) error {
	a.mu.RLock()
	if !a.loaded {
		a.mu.RUnlock()
		return errNotLoaded()
	}
	sendOpts := !reflect.DeepEqual(opts, a.cfg.Options)
	sendGUI := !reflect.DeepEqual(gui, a.cfg.GUI)
	a.mu.RUnlock()

	if sendOpts {
		if err := a.client.SetOptions(ctx, opts); err != nil {
			return err
		}
		a.mu.Lock()
		a.cfg.Options = opts.Clone()
		a.mu.Unlock()
	}
	if sendGUI {
		if err := a.client.SetGUI(ctx, gui); err != nil {
			return err
		}
		a.mu.Lock()
		a.cfg.GUI = gui.Clone()
		a.mu.Unlock()
	}
	return nil
}

// UpdateDevice pushes one device entry.
func (a *RestAPI) UpdateDevice(ctx context.Context, device Device) error {
	if !a.IsConfigLoaded() {
		return errNotLoaded()
	}
	if err := a.client.SetDevice(ctx, device); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.cfg.Devices {
		if a.cfg.Devices[i].DeviceID == device.DeviceID {
			a.cfg.Devices[i] = device.Clone()
			return nil
		}
	}
	a.cfg.Devices = append(a.cfg.Devices, device.Clone())
	return nil
}

// UndoIgnored forgets every ignored device and every ignored folder offer,
// then pushes the full configuration.
func (a *RestAPI) UndoIgnored(ctx context.Context) error {
	cfg, err := a.Config()
	if err != nil {
		return err
	}
	cfg.RemoteIgnoredDevices = []json.RawMessage{}
	for i := range cfg.Devices {
		cfg.Devices[i].IgnoredFolders = []json.RawMessage{}
	}
	return a.ReplaceConfig(ctx, cfg)
}

// ReplaceConfig pushes a full configuration and caches it.
func (a *RestAPI) ReplaceConfig(ctx context.Context, cfg *Config) error {
	if !a.IsConfigLoaded() {
		return errNotLoaded()
	}
	if err := a.client.SetConfig(ctx, cfg); err != nil {
		return err
	}
	a.mu.Lock()
	a.cfg = cfg.Clone()
	a.mu.Unlock()
	return nil
}

// UsageReport returns the report the daemon would send if reporting were on.
func (a *RestAPI) UsageReport(ctx context.Context) (json.RawMessage, error) {
	return a.client.UsageReport(ctx)
}

// SupportBundle streams the daemon's support bundle into w.
func (a *RestAPI) SupportBundle(ctx context.Context, w io.Writer) (int64, error) {
	return a.client.SupportBundle(ctx, w)
}

// ResetDatabase resets the daemon's index database.
func (a *RestAPI) ResetDatabase(ctx context.Context) error {
	return a.client.ResetDatabase(ctx)
}

func errNotLoaded() error {
	return core.ErrState(core.CodeConfigNotLoaded, "daemon configuration not loaded")
}
