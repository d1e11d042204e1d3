// Package config loads and validates the control server's startup
// configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// UIConfig is the listen address for the UI-facing WebSocket server.
type UIConfig struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// RelayConfig describes one relay backend and the cubes it fronts.
type RelayConfig struct {
	ID    string   `json:"id"`
	URI   string   `json:"uri"`
	Cubes []string `json:"cubes"`
}

// FieldPoint is one corner of the mat's bounding rectangle.
type FieldPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// FieldConfig is the mat's bounding rectangle, broadcast to UI clients.
type FieldConfig struct {
	TopLeft     FieldPoint `json:"top_left"`
	BottomRight FieldPoint `json:"bottom_right"`
}

// defaultField matches the original implementation's default mat bounds.
func defaultField() FieldConfig {
	return FieldConfig{
		TopLeft:     FieldPoint{X: 45, Y: 45},
		BottomRight: FieldPoint{X: 455, Y: 455},
	}
}

// Config is the parsed and validated startup configuration.
type Config struct {
	UI               UIConfig      `json:"ui"`
	Relays           []RelayConfig `json:"relays"`
	Field            FieldConfig   `json:"field"`
	RelayReconnectMs uint32        `json:"relay_reconnect_ms"`
}

// ReconnectDelay returns RelayReconnectMs as a time.Duration.
func (c Config) ReconnectDelay() time.Duration {
	return time.Duration(c.RelayReconnectMs) * time.Millisecond
}

// CubeToRelay returns the total, static cube-id -> relay-id map implied by
// the relay list. Load has already verified it is conflict-free.
func (c Config) CubeToRelay() map[string]string {
	m := make(map[string]string)
	for _, r := range c.Relays {
		for _, cube := range r.Cubes {
			m[cube] = r.ID
		}
	}
	return m
}

// Error is a fatal, startup-time configuration error. It is always wrapped
// with the path of the file that failed to load or validate.
type Error struct {
	Path    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config error in %s: %s", e.Path, e.Message)
}

func configErr(path, format string, args ...any) error {
	return &Error{Path: path, Message: fmt.Sprintf(format, args...)}
}

// Load reads, parses, and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, configErr(path, "unable to open file: %v", err)
	}

	var doc struct {
		UI     *UIConfig      `json:"ui"`
		Relays []RelayConfig  `json:"relays"`
		Field  *FieldConfig   `json:"field"`
		RelayReconnectMs *uint32 `json:"relay_reconnect_ms"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, configErr(path, "invalid JSON: %v", err)
	}

	if doc.UI == nil {
		return nil, configErr(path, "missing ui settings")
	}
	cfg := &Config{UI: *doc.UI, RelayReconnectMs: 2000}
	if cfg.UI.Port == 0 {
		return nil, configErr(path, "ui.port must be > 0")
	}

	if len(doc.Relays) == 0 {
		return nil, configErr(path, "relays must be a non-empty array")
	}

	relayIDs := make(map[string]struct{}, len(doc.Relays))
	cubeIDs := make(map[string]struct{})
	for _, relay := range doc.Relays {
		if relay.ID == "" {
			return nil, configErr(path, "relay entry missing id")
		}
		if relay.URI == "" {
			return nil, configErr(path, "relay %s missing uri", relay.ID)
		}
		if len(relay.Cubes) == 0 {
			return nil, configErr(path, "relay %s must define at least one cube", relay.ID)
		}
		for _, cube := range relay.Cubes {
			if len(cube) != 3 {
				return nil, configErr(path, "cube id %s must be 3 characters", cube)
			}
			if _, dup := cubeIDs[cube]; dup {
				return nil, configErr(path, "cube id %s assigned to multiple relays", cube)
			}
			cubeIDs[cube] = struct{}{}
		}
		if _, dup := relayIDs[relay.ID]; dup {
			return nil, configErr(path, "duplicate relay id %s", relay.ID)
		}
		relayIDs[relay.ID] = struct{}{}
		cfg.Relays = append(cfg.Relays, relay)
	}

	cfg.Field = defaultField()
	if doc.Field != nil {
		cfg.Field = *doc.Field
	}
	if cfg.Field.BottomRight.X <= cfg.Field.TopLeft.X || cfg.Field.BottomRight.Y <= cfg.Field.TopLeft.Y {
		return nil, configErr(path, "field.bottom_right must be greater than top_left")
	}

	if doc.RelayReconnectMs != nil {
		cfg.RelayReconnectMs = *doc.RelayReconnectMs
	}

	return cfg, nil
}
