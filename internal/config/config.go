// Package config provides server configuration loaded from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const logPrefix = "config:LoadConfig"

// Config holds framebus host configuration.
type Config struct {
	// COMMS: connect to standalone NATS at COMMSURL.
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName string `envconfig:"SERVICE_NAME" default:"framebus"`

	// ViewID is the view served over COMMS. Empty disables the COMMS view.
	ViewID string `envconfig:"VIEW_ID" default:"main"`
	// Subject overrides (empty = derive from VIEW_ID)
	HostSubject    string `envconfig:"HOST_SUBJECT"`
	ContentSubject string `envconfig:"CONTENT_SUBJECT"`
	// EventsSubject is the base subject for dispatch events. Empty disables
	// the COMMS event stream.
	EventsSubject string `envconfig:"EVENTS_SUBJECT"`

	// Bridge
	ManifestFile         string        `envconfig:"MANIFEST_FILE"`
	BridgeRequestTimeout time.Duration `envconfig:"BRIDGE_REQUEST_TIMEOUT" default:"10s"`

	SequenceBuffer int `envconfig:"SEQUENCE_BUFFER" default:"256"`
	WSSendBuffer   int `envconfig:"WS_SEND_BUFFER" default:"64"`

	// Database (empty DATABASE_URL disables the journal)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`
	JournalBuffer int    `envconfig:"JOURNAL_BUFFER" default:"1024"`

	// HTTP (FRAMEBUS_HTTP_ADDR preferred, e.g. "0.0.0.0:8080")
	HTTPAddr           string        `envconfig:"FRAMEBUS_HTTP_ADDR"`
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	if c.HTTPAddr != "" {
		return c.HTTPAddr
	}
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// JournalEnabled reports whether dispatch events go to Postgres.
func (c *Config) JournalEnabled() bool { return c.DatabaseURL != "" }

// ValidateForServe checks required config when running the host server.
func (c *Config) ValidateForServe() error {
	if c.COMMSURL == "" {
		return fmt.Errorf("%s - COMMS_URL is required for serve", logPrefix)
	}
	if strings.ContainsAny(c.ViewID, " *>") {
		return fmt.Errorf("%s - VIEW_ID %q contains characters not allowed in a subject", logPrefix, c.ViewID)
	}
	if c.BridgeRequestTimeout <= 0 {
		return fmt.Errorf("%s - BRIDGE_REQUEST_TIMEOUT must be positive", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	if c.SequenceBuffer <= 0 {
		return fmt.Errorf("%s - SEQUENCE_BUFFER must be positive", logPrefix)
	}
	if c.WSSendBuffer <= 0 {
		return fmt.Errorf("%s - WS_SEND_BUFFER must be positive", logPrefix)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate, clear).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

// PeerConfig holds framebus-peer configuration. Variables carry the PEER_
// prefix, e.g. PEER_TRANSPORT.
type PeerConfig struct {
	// Transport is "comms" or "ws".
	Transport string `envconfig:"TRANSPORT" default:"comms"`
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	ViewID    string `envconfig:"VIEW_ID" default:"main"`
	// WSURL is the host's /ws endpoint, used when Transport is "ws".
	WSURL string `envconfig:"WS_URL" default:"ws://127.0.0.1:8080/ws"`

	ScriptTimeout time.Duration `envconfig:"SCRIPT_TIMEOUT" default:"2s"`
	LogLevel      string        `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadPeerConfig loads PEER_* variables.
func LoadPeerConfig() (*PeerConfig, error) {
	var c PeerConfig
	if err := envconfig.Process("PEER", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the peer configuration.
func (c *PeerConfig) Validate() error {
	switch c.Transport {
	case "comms":
		if c.COMMSURL == "" || c.ViewID == "" {
			return fmt.Errorf("%s - PEER_COMMS_URL and PEER_VIEW_ID are required for the comms transport", logPrefix)
		}
	case "ws":
		if c.WSURL == "" {
			return fmt.Errorf("%s - PEER_WS_URL is required for the ws transport", logPrefix)
		}
	default:
		return fmt.Errorf("%s - PEER_TRANSPORT must be comms or ws, got %q", logPrefix, c.Transport)
	}
	if c.ScriptTimeout <= 0 {
		return fmt.Errorf("%s - PEER_SCRIPT_TIMEOUT must be positive", logPrefix)
	}
	return nil
}
