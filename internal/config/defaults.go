package config

// DefaultConfigYAML is written by `prefbridge init`. Every value matches the
// loader default, so an untouched file changes nothing.
const DefaultConfigYAML = `# prefbridge configuration
#
# Every setting can be overridden with a PREFBRIDGE_* environment variable,
# e.g. PREFBRIDGE_DAEMON_API_KEY.

log:
  level: info        # debug, info, warn, error
  format: auto       # auto, text, json
  file: ""           # optional JSON log file, included in support bundles

store:
  backend: yaml      # yaml or sqlite
  # path: ~/.local/share/prefbridge/preferences.yaml
  flush_delay: 200ms
  watch_debounce: 100ms
  poll_interval: 1s  # sqlite only

daemon:
  url: http://127.0.0.1:8384
  api_key: ""
  timeout: 10s
  poll_interval: 2s
  failure_threshold: 3

reconcile:
  debounce: 500ms
  remote_retry: 5s

run_conditions:
  evaluate_after: 0s # 0 evaluates only when a session goes to the background
  command: []        # e.g. ["systemctl", "--user", "reload", "syncthing-runner"]
  command_timeout: 30s

server:
  addr: 127.0.0.1:8385
  request_timeout: 60s
  allowed_origins:
    - http://localhost:*
    - http://127.0.0.1:*

backup:
  # dir: ~/.local/share/prefbridge
`
