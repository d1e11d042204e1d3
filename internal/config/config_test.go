package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "control_server.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeConfig(t, `{
		"ui": {"host": "0.0.0.0", "port": 8765},
		"relays": [{"id": "r1", "uri": "ws://localhost:9000/path", "cubes": ["A01", "A02"]}]
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.UI.Port != 8765 {
		t.Fatalf("unexpected port: %d", cfg.UI.Port)
	}
	if cfg.RelayReconnectMs != 2000 {
		t.Fatalf("expected default reconnect delay, got %d", cfg.RelayReconnectMs)
	}
	m := cfg.CubeToRelay()
	if m["A01"] != "r1" || m["A02"] != "r1" {
		t.Fatalf("unexpected cube_to_relay: %+v", m)
	}
}

func TestLoadMissingUIPort(t *testing.T) {
	path := writeConfig(t, `{
		"ui": {"host": "0.0.0.0", "port": 0},
		"relays": [{"id": "r1", "uri": "ws://localhost:9000", "cubes": ["A01"]}]
	}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for zero port")
	}
}

func TestLoadDuplicateCube(t *testing.T) {
	path := writeConfig(t, `{
		"ui": {"host": "0.0.0.0", "port": 8765},
		"relays": [
			{"id": "r1", "uri": "ws://localhost:9000", "cubes": ["A01"]},
			{"id": "r2", "uri": "ws://localhost:9001", "cubes": ["A01"]}
		]
	}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for duplicate cube id across relays")
	}
}

func TestLoadBadCubeIDLength(t *testing.T) {
	path := writeConfig(t, `{
		"ui": {"host": "0.0.0.0", "port": 8765},
		"relays": [{"id": "r1", "uri": "ws://localhost:9000", "cubes": ["A1"]}]
	}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for non-3-character cube id")
	}
}

func TestLoadFieldDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"ui": {"host": "0.0.0.0", "port": 8765},
		"relays": [{"id": "r1", "uri": "ws://localhost:9000", "cubes": ["A01"]}]
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Field.TopLeft.X != 45 || cfg.Field.BottomRight.X != 455 {
		t.Fatalf("unexpected default field: %+v", cfg.Field)
	}
}

func TestLoadFieldInverted(t *testing.T) {
	path := writeConfig(t, `{
		"ui": {"host": "0.0.0.0", "port": 8765},
		"relays": [{"id": "r1", "uri": "ws://localhost:9000", "cubes": ["A01"]}],
		"field": {"top_left": {"x": 100, "y": 100}, "bottom_right": {"x": 10, "y": 500}}
	}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for inverted field rectangle")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
