package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const defaultConfigTemplate = `# keygate configuration

# Hostname / IP for the HTTP server
host = "localhost"

# Port for the HTTP server
port = 8080

# Log level: TRACE, DEBUG, INFO, WARN, ERROR
logLevel = "INFO"

# Log file path (empty logs to stderr)
logPath = ""

# Database file path (empty places keygate.db next to this file)
databasePath = ""

# Expose Prometheus metrics at /metrics
metricsEnabled = false

# Shared secret guarding the inbound /add_key endpoint.
# Leave empty to disable the endpoint.
syncSecret = ""

# Remote verification service to push new licenses to.
# Leave the URL empty to disable pushing.
remoteSyncUrl = ""
remoteSyncSecret = ""

# Push timeout in seconds
remoteSyncTimeout = 10
`

// WriteDefaultConfig writes the commented default configuration file.
func WriteDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0644); err != nil {
		return errors.Wrap(err, "failed to write config file")
	}

	return nil
}
