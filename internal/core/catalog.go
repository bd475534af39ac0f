package core

import (
	"math"
	"sort"
)

// DefaultWebGUIPort is the port the daemon GUI listens on unless configured.
const DefaultWebGUIPort = 8384

// DefaultBackupPath is the archive location used when none is configured.
const DefaultBackupPath = "backups/syncthing/config.zip"

// Power source values accepted by PowerSource.
const (
	PowerSourceACAndBattery = "ac_and_battery_power"
	PowerSourceAC           = "ac_power"
	PowerSourceBattery      = "battery_power"
)

// Theme values accepted by AppTheme.
const (
	ThemeFollowSystem = "follow_system"
	ThemeLight        = "light"
	ThemeDark         = "dark"
)

// Run conditions.
var (
	RunOnWifi            = BoolKey("run_on_wifi", true)
	RunOnMeteredWifi     = BoolKey("run_on_metered_wifi", false)
	UseWifiWhitelist     = BoolKey("use_wifi_whitelist", false)
	WifiSSIDWhitelist    = StringSetKey("wifi_ssid_whitelist")
	KnownWifiSSIDs       = StringSetKey("known_wifi_ssids")
	RunOnMobileData      = BoolKey("run_on_mobile_data", false)
	RunOnRoaming         = BoolKey("run_on_roaming", false)
	PowerSource          = StringKey("power_source", PowerSourceACAndBattery)
	RespectBatterySaving = BoolKey("respect_battery_saving", true)
	RespectMasterSync    = BoolKey("respect_master_sync", false)
	RunInFlightMode      = BoolKey("run_in_flight_mode", false)
	RunOnTimeSchedule    = BoolKey("run_on_time_schedule", false)
	SyncDurationMinutes  = StringKey("sync_duration_minutes", "5")
	SleepIntervalMinutes = StringKey("sleep_interval_minutes", "60")
)

// Behaviour, user interface, troubleshooting, experimental and backup.
var (
	StartServiceOnBoot      = BoolKey("start_service_on_boot", false)
	BroadcastServiceControl = BoolKey("broadcast_service_control", false)
	AllowOverwriteFiles     = BoolKey("allow_overwrite_files", false)
	UseRoot                 = BoolKey("use_root", false)

	AppTheme        = StringKey("app_theme", ThemeFollowSystem)
	ExpertMode      = BoolKey("expert_mode", false)
	StartIntoWebGUI = BoolKey("start_into_web_gui", false)

	VerboseLog               = BoolKey("verbose_log", false)
	DebugFacilitiesAvailable = StringSetKey("debug_facilities_available")
	DebugFacilitiesEnabled   = StringSetKey("debug_facilities_enabled")
	EnvironmentVariables     = StringKey("environment_variables", "")

	UseTor           = BoolKey("use_tor", false)
	SocksProxyAddr   = StringKey("socks_proxy_address", "")
	HTTPProxyAddress = StringKey("http_proxy_address", "")

	BackupRelPath  = StringKey("backup_rel_path_to_zip", DefaultBackupPath)
	BackupPassword = StringKey("backup_password", "")
)

// Daemon-backed keys, projected from the remote configuration.
var (
	DeviceName         = StringKey("device_name", "")
	APIKey             = StringKey("api_key", "")
	UsageReporting     = BoolKey("usage_reporting", false)
	ListenAddresses    = StringKey("listen_addresses", "default")
	IncomingRateLimit  = IntKey("incoming_rate_limit", 0)
	OutgoingRateLimit  = IntKey("outgoing_rate_limit", 0)
	NATTraversal       = BoolKey("nat_traversal", false)
	LocalDiscovery     = BoolKey("local_discovery", false)
	GlobalDiscovery    = BoolKey("global_discovery", false)
	Relaying           = BoolKey("relaying", false)
	GlobalServers      = StringKey("global_servers", "default")
	WebGUIPort         = IntKey("web_gui_port", DefaultWebGUIPort)
	WebGUIRemoteAccess = BoolKey("web_gui_remote_access", false)
	WebGUIUsername     = StringKey("web_gui_username", "syncthing")
	WebGUIPassword     = StringKey("web_gui_password", "")
	CrashReporting     = BoolKey("crash_reporting", true)
)

// Scope identifies which store is authoritative for a key.
type Scope string

const (
	ScopeLocal  Scope = "local"
	ScopeDaemon Scope = "daemon"
)

// Entry describes one catalogued key.
type Entry struct {
	Descriptor
	Scope     Scope
	Group     string
	Validator Validator
}

var catalog = []Entry{
	{Descriptor: RunOnWifi, Scope: ScopeLocal, Group: "run_conditions"},
	{Descriptor: RunOnMeteredWifi, Scope: ScopeLocal, Group: "run_conditions"},
	{Descriptor: UseWifiWhitelist, Scope: ScopeLocal, Group: "run_conditions"},
	{Descriptor: WifiSSIDWhitelist, Scope: ScopeLocal, Group: "run_conditions"},
	{Descriptor: KnownWifiSSIDs, Scope: ScopeLocal, Group: "run_conditions"},
	{Descriptor: RunOnMobileData, Scope: ScopeLocal, Group: "run_conditions"},
	{Descriptor: RunOnRoaming, Scope: ScopeLocal, Group: "run_conditions"},
	{Descriptor: PowerSource, Scope: ScopeLocal, Group: "run_conditions",
		Validator: OneOf(PowerSourceACAndBattery, PowerSourceAC, PowerSourceBattery)},
	{Descriptor: RespectBatterySaving, Scope: ScopeLocal, Group: "run_conditions"},
	{Descriptor: RespectMasterSync, Scope: ScopeLocal, Group: "run_conditions"},
	{Descriptor: RunInFlightMode, Scope: ScopeLocal, Group: "run_conditions"},
	{Descriptor: RunOnTimeSchedule, Scope: ScopeLocal, Group: "run_conditions"},
	{Descriptor: SyncDurationMinutes, Scope: ScopeLocal, Group: "run_conditions", Validator: NumericText(1, 1440)},
	{Descriptor: SleepIntervalMinutes, Scope: ScopeLocal, Group: "run_conditions", Validator: NumericText(1, 30240)},

	{Descriptor: StartServiceOnBoot, Scope: ScopeLocal, Group: "behaviour"},
	{Descriptor: BroadcastServiceControl, Scope: ScopeLocal, Group: "behaviour"},
	{Descriptor: AllowOverwriteFiles, Scope: ScopeLocal, Group: "behaviour"},
	{Descriptor: UseRoot, Scope: ScopeLocal, Group: "behaviour"},

	{Descriptor: AppTheme, Scope: ScopeLocal, Group: "user_interface", Validator: OneOf(ThemeFollowSystem, ThemeLight, ThemeDark)},
	{Descriptor: ExpertMode, Scope: ScopeLocal, Group: "user_interface"},
	{Descriptor: StartIntoWebGUI, Scope: ScopeLocal, Group: "user_interface"},

	{Descriptor: VerboseLog, Scope: ScopeLocal, Group: "troubleshooting"},
	{Descriptor: DebugFacilitiesAvailable, Scope: ScopeLocal, Group: "troubleshooting"},
	{Descriptor: DebugFacilitiesEnabled, Scope: ScopeLocal, Group: "troubleshooting"},
	{Descriptor: EnvironmentVariables, Scope: ScopeLocal, Group: "troubleshooting", Validator: EnvVars()},

	{Descriptor: UseTor, Scope: ScopeLocal, Group: "experimental"},
	{Descriptor: SocksProxyAddr, Scope: ScopeLocal, Group: "experimental"},
	{Descriptor: HTTPProxyAddress, Scope: ScopeLocal, Group: "experimental"},

	{Descriptor: BackupRelPath, Scope: ScopeLocal, Group: "backup", Validator: NotBlank()},
	{Descriptor: BackupPassword, Scope: ScopeLocal, Group: "backup"},

	{Descriptor: DeviceName, Scope: ScopeDaemon, Group: "general", Validator: NotBlank()},
	{Descriptor: APIKey, Scope: ScopeDaemon, Group: "general", Validator: ReadOnly()},
	{Descriptor: UsageReporting, Scope: ScopeDaemon, Group: "general"},
	{Descriptor: ListenAddresses, Scope: ScopeDaemon, Group: "connections"},
	{Descriptor: IncomingRateLimit, Scope: ScopeDaemon, Group: "connections", Validator: IntRange(0, math.MaxInt32)},
	{Descriptor: OutgoingRateLimit, Scope: ScopeDaemon, Group: "connections", Validator: IntRange(0, math.MaxInt32)},
	{Descriptor: NATTraversal, Scope: ScopeDaemon, Group: "connections"},
	{Descriptor: LocalDiscovery, Scope: ScopeDaemon, Group: "connections"},
	{Descriptor: GlobalDiscovery, Scope: ScopeDaemon, Group: "connections"},
	{Descriptor: Relaying, Scope: ScopeDaemon, Group: "connections"},
	{Descriptor: GlobalServers, Scope: ScopeDaemon, Group: "connections"},
	{Descriptor: WebGUIPort, Scope: ScopeDaemon, Group: "web_gui", Validator: IntRange(1024, 65535)},
	{Descriptor: WebGUIRemoteAccess, Scope: ScopeDaemon, Group: "web_gui"},
	{Descriptor: WebGUIUsername, Scope: ScopeDaemon, Group: "web_gui"},
	{Descriptor: WebGUIPassword, Scope: ScopeDaemon, Group: "web_gui"},
	{Descriptor: CrashReporting, Scope: ScopeDaemon, Group: "advanced"},
}

var catalogIndex = func() map[string]Entry {
	idx := make(map[string]Entry, len(catalog))
	for _, e := range catalog {
		idx[e.Name()] = e
	}
	return idx
}()

// RunConditionKeys are the keys whose change requires run conditions to be re-evaluated.
var RunConditionKeys = func() KeySet {
	set := KeySet{}
	for _, e := range catalog {
		if e.Group == "run_conditions" {
			set[e.Name()] = struct{}{}
		}
	}
	return set
}()

// ImmediateDurabilityKeys must be committed synchronously: the process is
// restarted right after verbose logging is toggled.
var ImmediateDurabilityKeys = NewKeySet(VerboseLog.Name())

// SecretKeys are never exported and are redacted from logs.
var SecretKeys = NewKeySet(BackupPassword.Name(), WebGUIPassword.Name())

// Lookup returns the catalog entry for name.
func Lookup(name string) (Entry, bool) {
	e, ok := catalogIndex[name]
	return e, ok
}

// Catalog returns every known key, sorted by name.
func Catalog() []Entry {
	out := make([]Entry, len(catalog))
	copy(out, catalog)
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// KeyNames returns every catalogued key name in scope (all scopes when empty).
func KeyNames(scope Scope) []string {
	names := make([]string, 0, len(catalog))
	for _, e := range catalog {
		if scope == "" || e.Scope == scope {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

// Defaults returns a snapshot with the default of every key in scope.
func Defaults(scope Scope) Snapshot {
	m := make(map[string]Value)
	for _, e := range catalog {
		if e.Scope == scope {
			m[e.Name()] = e.DefaultValue()
		}
	}
	return NewSnapshot(m)
}
