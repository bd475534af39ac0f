// Package remote maps between daemon-backed preference snapshots and the
// daemon's live configuration.
package remote

import (
	"context"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/prefbridge/prefbridge/internal/core"
	"github.com/prefbridge/prefbridge/internal/syncthing"
)

// PasswordHashCost is the bcrypt cost used for the GUI password. The daemon
// verifies it on every GUI login on low-power devices.
const PasswordHashCost = 4

// Daemon is the daemon configuration the adapter reads and edits.
type Daemon interface {
	IsConfigLoaded() bool
	State() core.DaemonState
	Options() syncthing.Options
	GUI() syncthing.GUI
	LocalDevice() syncthing.Device
	APIKey() string
	UsageReportingAccepted() bool
	SetUsageReporting(ctx context.Context, accepted bool) error
	EditSettings(ctx context.Context, gui syncthing.GUI, opts syncthing.Options) error
	UpdateDevice(ctx context.Context, device syncthing.Device) error
}

var _ Daemon = (*syncthing.RestAPI)(nil)

// ProjectFromRemote reads the daemon-backed preferences out of the daemon
// configuration. It returns an empty snapshot when no configuration is
// loaded. The GUI password is never projected: the daemon only stores its hash.
func ProjectFromRemote(d Daemon) core.Snapshot {
	if !d.IsConfigLoaded() {
		return core.EmptySnapshot()
	}

	s := core.EmptySnapshot()
	s = core.DeviceName.Set(s, d.LocalDevice().Name)
	s = core.APIKey.Set(s, d.APIKey())
	s = core.UsageReporting.Set(s, d.UsageReportingAccepted())

	opts := d.Options()
	s = core.ListenAddresses.Set(s, strings.Join(opts.ListenAddresses, ", "))
	s = core.IncomingRateLimit.Set(s, clampInt32(opts.MaxRecvKbps))
	s = core.OutgoingRateLimit.Set(s, clampInt32(opts.MaxSendKbps))
	s = core.NATTraversal.Set(s, opts.NATEnabled)
	s = core.LocalDiscovery.Set(s, opts.LocalAnnounceEnabled)
	s = core.GlobalDiscovery.Set(s, opts.GlobalAnnounceEnabled)
	s = core.Relaying.Set(s, opts.RelaysEnabled)
	s = core.GlobalServers.Set(s, strings.Join(opts.GlobalAnnounceServers, ", "))
	s = core.CrashReporting.Set(s, opts.CrashReportingEnabled)

	gui := d.GUI()
	s = core.WebGUIPort.Set(s, guiPort(gui))
	s = core.WebGUIRemoteAccess.Set(s, gui.BindHost() != syncthing.BindLocalhost)
	s = core.WebGUIUsername.Set(s, gui.User)
	return s
}

// ApplyResult describes what ApplyToRemote did.
type ApplyResult struct {
	// Applied lists the keys written to the daemon.
	Applied []string
	// Skipped is set when no configuration was loaded and nothing was sent.
	Skipped bool
	// DeviceUpdated is set when the local device entry was pushed.
	DeviceUpdated bool
}

// ApplyToRemote writes the keys of diff to the daemon. Usage reporting is
// applied first because it changes daemon state the other edits read. All
// options and GUI edits go out in one EditSettings call; the device entry is
// pushed separately and only when the device name changed.
func ApplyToRemote(ctx context.Context, d Daemon, diff core.Diff) (ApplyResult, error) {
	if !d.IsConfigLoaded() {
		return ApplyResult{Skipped: true}, nil
	}
	if err := checkKinds(diff); err != nil {
		return ApplyResult{}, err
	}

	var result ApplyResult

	if v, ok := diff.Get(core.UsageReporting.Name()); ok {
		accepted, _ := v.AsBool()
		if err := d.SetUsageReporting(ctx, accepted); err != nil {
			return result, err
		}
		result.Applied = append(result.Applied, core.UsageReporting.Name())
	}

	opts := d.Options()
	gui := d.GUI()
	edited := false

	for _, key := range diff.Keys() {
		v, _ := diff.Get(key)
		switch key {
		case core.ListenAddresses.Name():
			s, _ := v.AsString()
			opts.ListenAddresses = splitList(s)
		case core.IncomingRateLimit.Name():
			n, _ := v.AsInt()
			opts.MaxRecvKbps = int(n)
		case core.OutgoingRateLimit.Name():
			n, _ := v.AsInt()
			opts.MaxSendKbps = int(n)
		case core.NATTraversal.Name():
			opts.NATEnabled, _ = v.AsBool()
		case core.LocalDiscovery.Name():
			opts.LocalAnnounceEnabled, _ = v.AsBool()
		case core.GlobalDiscovery.Name():
			opts.GlobalAnnounceEnabled, _ = v.AsBool()
		case core.Relaying.Name():
			opts.RelaysEnabled, _ = v.AsBool()
		case core.GlobalServers.Name():
			s, _ := v.AsString()
			opts.GlobalAnnounceServers = splitList(s)
		case core.CrashReporting.Name():
			opts.CrashReportingEnabled, _ = v.AsBool()
		case core.WebGUIUsername.Name():
			gui.User, _ = v.AsString()
		case core.WebGUIPassword.Name():
			plain, _ := v.AsString()
			hashed, err := bcrypt.GenerateFromPassword([]byte(plain), PasswordHashCost)
			if err != nil {
				return result, core.ErrValidation(core.CodeInvalidValue, "hashing GUI password").WithCause(err)
			}
			gui.Password = string(hashed)
		case core.WebGUIRemoteAccess.Name(), core.WebGUIPort.Name():
			// Both are folded into the listen address below.
		default:
			continue
		}
		edited = true
		result.Applied = append(result.Applied, key)
	}

	if diff.Has(core.WebGUIRemoteAccess.Name()) || diff.Has(core.WebGUIPort.Name()) {
		gui.Address = guiAddress(gui, diff)
	}

	if edited {
		if err := d.EditSettings(ctx, gui, opts); err != nil {
			return result, err
		}
	}

	if v, ok := diff.Get(core.DeviceName.Name()); ok {
		name, _ := v.AsString()
		device := d.LocalDevice()
		if device.Name != name {
			device.Name = name
			if err := d.UpdateDevice(ctx, device); err != nil {
				return result, err
			}
			result.DeviceUpdated = true
		}
		result.Applied = append(result.Applied, core.DeviceName.Name())
	}
	return result, nil
}

// checkKinds rejects the whole diff if any key is unknown, local-only, or
// carries a value of the wrong kind.
func checkKinds(diff core.Diff) error {
	for _, key := range diff.Keys() {
		entry, ok := core.Lookup(key)
		if !ok || entry.Scope != core.ScopeDaemon {
			return core.ErrValidation(core.CodeWrongScope,
				fmt.Sprintf("%s is not a daemon preference", key)).WithDetail("key", key)
		}
		v, _ := diff.Get(key)
		if v.Kind() != entry.Kind() {
			return core.ErrValidation(core.CodeKindMismatch,
				fmt.Sprintf("%s expects a %s value, got %s", key, entry.Kind(), v.Kind())).WithDetail("key", key)
		}
	}
	return nil
}

// guiAddress builds the GUI listen address. The host comes from the remote
// access flag when it changed, otherwise from the current address; the port
// comes from the diff when it changed, otherwise from the current address.
func guiAddress(gui syncthing.GUI, diff core.Diff) string {
	host := gui.BindHost()
	if v, ok := diff.Get(core.WebGUIRemoteAccess.Name()); ok {
		remote, _ := v.AsBool()
		host = syncthing.BindLocalhost
		if remote {
			host = syncthing.BindAll
		}
	}
	if host == "" {
		host = syncthing.BindLocalhost
	}

	port := guiPort(gui)
	if v, ok := diff.Get(core.WebGUIPort.Name()); ok {
		port, _ = v.AsInt()
	}
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

func guiPort(gui syncthing.GUI) int32 {
	port, err := strconv.ParseInt(gui.BindPort(), 10, 32)
	if err != nil {
		return core.DefaultWebGUIPort
	}
	return int32(port)
}

// splitList splits a comma-separated list, trimming blanks and dropping
// empty entries.
func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func clampInt32(n int) int32 {
	switch {
	case n > math.MaxInt32:
		return math.MaxInt32
	case n < math.MinInt32:
		return math.MinInt32
	}
	return int32(n)
}
