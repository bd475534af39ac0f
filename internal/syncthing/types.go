package syncthing

import (
	"encoding/json"
	"net"
	"strings"
)

// Bind hosts used for the GUI listen address.
const (
	BindLocalhost = "127.0.0.1"
	BindAll       = "0.0.0.0"
)

// FolderNameVersions is the directory where Syncthing keeps old file versions.
const FolderNameVersions = ".stversions"

// DefaultUsageReportVersion is accepted when the daemon does not report
// the usage reporting version it expects.
const DefaultUsageReportVersion = 3

// Extra holds JSON fields this package does not model. They are written
// back unchanged so newer daemons never lose configuration on a round trip.
type Extra map[string]json.RawMessage

// Clone returns a deep copy.
func (e Extra) Clone() Extra {
	if e == nil {
		return nil
	}
	out := make(Extra, len(e))
	for k, v := range e {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Options is the daemon's options section.
type Options struct {
	ListenAddresses       []string `json:"listenAddresses"`
	GlobalAnnounceServers []string `json:"globalAnnounceServers"`
	GlobalAnnounceEnabled bool     `json:"globalAnnounceEnabled"`
	LocalAnnounceEnabled  bool     `json:"localAnnounceEnabled"`
	MaxSendKbps           int      `json:"maxSendKbps"`
	MaxRecvKbps           int      `json:"maxRecvKbps"`
	RelaysEnabled         bool     `json:"relaysEnabled"`
	NATEnabled            bool     `json:"natEnabled"`
	URAccepted            int      `json:"urAccepted"`
	URSeen                int      `json:"urSeen"`
	CrashReportingEnabled bool     `json:"crashReportingEnabled"`

	Extra Extra `json:"-"`
}

type plainOptions Options

var optionsFields = fieldNames(plainOptions{})

// UnmarshalJSON decodes known fields and keeps the rest in Extra.
func (o *Options) UnmarshalJSON(data []byte) error {
	var p plainOptions
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := splitExtra(data, optionsFields)
	if err != nil {
		return err
	}
	p.Extra = extra
	*o = Options(p)
	return nil
}

// MarshalJSON encodes known fields merged with Extra.
func (o Options) MarshalJSON() ([]byte, error) {
	return mergeExtra(plainOptions(o), o.Extra)
}

// Clone returns a deep copy.
func (o Options) Clone() Options {
	o.ListenAddresses = cloneStrings(o.ListenAddresses)
	o.GlobalAnnounceServers = cloneStrings(o.GlobalAnnounceServers)
	o.Extra = o.Extra.Clone()
	return o
}

// GUI is the daemon's GUI section.
type GUI struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	User     string `json:"user"`
	Password string `json:"password"`
	UseTLS   bool   `json:"useTLS"`
	APIKey   string `json:"apiKey"`

	Extra Extra `json:"-"`
}

type plainGUI GUI

var guiFields = fieldNames(plainGUI{})

// UnmarshalJSON decodes known fields and keeps the rest in Extra.
func (g *GUI) UnmarshalJSON(data []byte) error {
	var p plainGUI
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := splitExtra(data, guiFields)
	if err != nil {
		return err
	}
	p.Extra = extra
	*g = GUI(p)
	return nil
}

// MarshalJSON encodes known fields merged with Extra.
func (g GUI) MarshalJSON() ([]byte, error) {
	return mergeExtra(plainGUI(g), g.Extra)
}

// Clone returns a deep copy.
func (g GUI) Clone() GUI {
	g.Extra = g.Extra.Clone()
	return g
}

// BindHost returns the host part of the listen address.
func (g GUI) BindHost() string {
	host, _, err := net.SplitHostPort(g.Address)
	if err != nil {
		return g.Address
	}
	return host
}

// BindPort returns the port part of the listen address, or "" when absent.
func (g GUI) BindPort() string {
	_, port, err := net.SplitHostPort(g.Address)
	if err != nil {
		return ""
	}
	return port
}

// Device is one entry of the devices section.
type Device struct {
	DeviceID       string            `json:"deviceID"`
	Name           string            `json:"name"`
	Addresses      []string          `json:"addresses"`
	IgnoredFolders []json.RawMessage `json:"ignoredFolders"`

	Extra Extra `json:"-"`
}

type plainDevice Device

var deviceFields = fieldNames(plainDevice{})

// UnmarshalJSON decodes known fields and keeps the rest in Extra.
func (d *Device) UnmarshalJSON(data []byte) error {
	var p plainDevice
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := splitExtra(data, deviceFields)
	if err != nil {
		return err
	}
	p.Extra = extra
	*d = Device(p)
	return nil
}

// MarshalJSON encodes known fields merged with Extra.
func (d Device) MarshalJSON() ([]byte, error) {
	return mergeExtra(plainDevice(d), d.Extra)
}

// Clone returns a deep copy.
func (d Device) Clone() Device {
	d.Addresses = cloneStrings(d.Addresses)
	if d.IgnoredFolders != nil {
		d.IgnoredFolders = append([]json.RawMessage(nil), d.IgnoredFolders...)
	}
	d.Extra = d.Extra.Clone()
	return d
}

// DisplayName returns the name, falling back to the short device ID.
func (d Device) DisplayName() string {
	if strings.TrimSpace(d.Name) != "" {
		return d.Name
	}
	if i := strings.IndexByte(d.DeviceID, '-'); i > 0 {
		return d.DeviceID[:i]
	}
	return d.DeviceID
}

// Folder is one entry of the folders section.
type Folder struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Path  string `json:"path"`

	Extra Extra `json:"-"`
}

type plainFolder Folder

var folderFields = fieldNames(plainFolder{})

// UnmarshalJSON decodes known fields and keeps the rest in Extra.
func (f *Folder) UnmarshalJSON(data []byte) error {
	var p plainFolder
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := splitExtra(data, folderFields)
	if err != nil {
		return err
	}
	p.Extra = extra
	*f = Folder(p)
	return nil
}

// MarshalJSON encodes known fields merged with Extra.
func (f Folder) MarshalJSON() ([]byte, error) {
	return mergeExtra(plainFolder(f), f.Extra)
}

// Config is the full daemon configuration document.
type Config struct {
	Version              int               `json:"version"`
	Folders              []Folder          `json:"folders"`
	Devices              []Device          `json:"devices"`
	GUI                  GUI               `json:"gui"`
	Options              Options           `json:"options"`
	RemoteIgnoredDevices []json.RawMessage `json:"remoteIgnoredDevices"`

	Extra Extra `json:"-"`
}

type plainConfig Config

var configFields = fieldNames(plainConfig{})

// UnmarshalJSON decodes known fields and keeps the rest in Extra.
func (c *Config) UnmarshalJSON(data []byte) error {
	var p plainConfig
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := splitExtra(data, configFields)
	if err != nil {
		return err
	}
	p.Extra = extra
	*c = Config(p)
	return nil
}

// MarshalJSON encodes known fields merged with Extra.
func (c Config) MarshalJSON() ([]byte, error) {
	return mergeExtra(plainConfig(c), c.Extra)
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	out.Folders = make([]Folder, len(c.Folders))
	for i, f := range c.Folders {
		f.Extra = f.Extra.Clone()
		out.Folders[i] = f
	}
	out.Devices = make([]Device, len(c.Devices))
	for i, d := range c.Devices {
		out.Devices[i] = d.Clone()
	}
	out.GUI = c.GUI.Clone()
	out.Options = c.Options.Clone()
	if c.RemoteIgnoredDevices != nil {
		out.RemoteIgnoredDevices = append([]json.RawMessage(nil), c.RemoteIgnoredDevices...)
	}
	out.Extra = c.Extra.Clone()
	return &out
}

// Device returns the device with id.
func (c *Config) Device(id string) (Device, bool) {
	for _, d := range c.Devices {
		if d.DeviceID == id {
			return d, true
		}
	}
	return Device{}, false
}

// SystemStatus is the subset of /rest/system/status the bridge uses.
type SystemStatus struct {
	MyID         string `json:"myID"`
	Uptime       int64  `json:"uptime"`
	URVersionMax int    `json:"urVersionMax"`
	StartTime    string `json:"startTime"`
}

// VersionInfo is /rest/system/version.
type VersionInfo struct {
	Version     string `json:"version"`
	LongVersion string `json:"longVersion"`
	OS          string `json:"os"`
	Arch        string `json:"arch"`
}

func fieldNames(v any) map[string]struct{} {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		panic(err)
	}
	names := make(map[string]struct{}, len(m))
	for k := range m {
		names[k] = struct{}{}
	}
	return names
}

func splitExtra(data []byte, known map[string]struct{}) (Extra, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	var extra Extra
	for k, v := range all {
		if _, ok := known[k]; ok {
			continue
		}
		if extra == nil {
			extra = make(Extra)
		}
		extra[k] = v
	}
	return extra, nil
}

func mergeExtra(v any, extra Extra) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return data, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for k, raw := range extra {
		if _, ok := all[k]; !ok {
			all[k] = raw
		}
	}
	return json.Marshal(all)
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
