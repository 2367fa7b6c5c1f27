package config

import (
	"fmt"
	"os"
)

const exampleConfig = `# flightdeck controller configuration

server:
  listen_addr: ":8080"
  request_timeout: "5m"

storage:
  root: "./data/blobs"

database:
  path: "./data/flightdeck.db"

auth:
  # Supplied out-of-band; grants full access via the X-API-Key header.
  admin_api_key: "${FLIGHTDECK_ADMIN_KEY}"

limits:
  max_source_bytes: 536870912   # 512 MiB
  max_certs_bytes: 16777216     # 16 MiB
  max_result_bytes: 2147483648  # 2 GiB

watchdog:
  interval: "15s"
  heartbeat_deadline: "2m"
  assignment_grace: "2m"

tokens:
  vm_token_ttl: "30m"
  otp_ttl: "10m"

retention:
  window: "168h"
  sweep_interval: "1h"

logging:
  level: "info"   # debug, info, warn, error
  format: "text"  # text, json

events:
  enabled: false
  nats_url: "nats://localhost:4222"
  subject_prefix: "flightdeck.builds"
`

// Init creates a new configuration file with example content.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}
	if err := os.WriteFile(configPath, []byte(exampleConfig), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
