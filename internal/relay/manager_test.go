package relay

import (
	"testing"

	"github.com/codewiresh/codewire/internal/config"
	"github.com/codewiresh/codewire/internal/protocol"
	"github.com/codewiresh/codewire/internal/registry"
)

func testConfig() *config.Config {
	return &config.Config{
		UI:               config.UIConfig{Host: "127.0.0.1", Port: 8080},
		RelayReconnectMs: 2000,
		Relays: []config.RelayConfig{
			{ID: "relay-1", URI: "ws://relay-1-host", Cubes: []string{"A01", "A02"}},
			{ID: "relay-2", URI: "ws://relay-2-host", Cubes: []string{"B01"}},
		},
	}
}

func TestSendManualDriveRejectsUnknownCube(t *testing.T) {
	m, err := NewManager(registry.New(), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	err = m.SendManualDrive(ManualDriveCommand{Targets: []string{"ZZZ"}, Left: 50, Right: 50})
	if err == nil {
		t.Fatal("expected an error for an unregistered cube")
	}
}

func TestSendManualDriveRejectsDisconnectedRelay(t *testing.T) {
	m, err := NewManager(registry.New(), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	err = m.SendManualDrive(ManualDriveCommand{Targets: []string{"A01"}, Left: 50, Right: 50})
	if err == nil {
		t.Fatal("expected an error because relay-1 is not connected")
	}
}

func TestSendLedRequiresAtLeastOneTarget(t *testing.T) {
	m, err := NewManager(registry.New(), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SendLed(LedCommand{}); err == nil {
		t.Fatal("expected an error for an empty target list")
	}
}

func TestHandleStatusUpdatesRelayState(t *testing.T) {
	m, err := NewManager(registry.New(), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	var events []StatusEvent
	m.SetStatusCallback(func(ev StatusEvent) { events = append(events, ev) })

	m.handleStatus("relay-1", Connecting, "resolving")
	m.handleStatus("relay-1", Connected, "connected")

	if len(events) != 2 {
		t.Fatalf("expected 2 status events, got %d", len(events))
	}
	if events[1].Status != "connected" {
		t.Fatalf("expected second event status connected, got %s", events[1].Status)
	}

	m.mu.Lock()
	state := m.relayStates["relay-1"]
	m.mu.Unlock()
	if state != Connected {
		t.Fatalf("expected relayStates[relay-1] == Connected, got %v", state)
	}
}

func TestIngestPositionAppliesPartialUpdateAndNotifies(t *testing.T) {
	reg := registry.New()
	m, err := NewManager(reg, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	var updated []registry.CubeState
	m.SetCubeUpdateCallback(func(cubes []registry.CubeState) { updated = append(updated, cubes...) })

	x, y := 100.0, 200.0
	m.handleMessage("relay-1", protocol.RelayInbound{
		Type: "response",
		Payload: protocol.RelayInboundPayload{
			Info:   "position",
			Target: "A01",
			Position: &protocol.RelayPosition{X: &x, Y: &y},
		},
	})

	if len(updated) != 1 {
		t.Fatalf("expected one cube update, got %d", len(updated))
	}
	if !updated[0].HasPosition || updated[0].Position.X != 100.0 || updated[0].Position.Y != 200.0 {
		t.Fatalf("unexpected cube state: %+v", updated[0])
	}

	snap := reg.Snapshot()
	if len(snap) != 1 || snap[0].RelayID != "relay-1" {
		t.Fatalf("expected registry to record relay-1 as source, got %+v", snap)
	}
}

func TestIngestBatteryParsesRawInt(t *testing.T) {
	reg := registry.New()
	m, err := NewManager(reg, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	var updated []registry.CubeState
	m.SetCubeUpdateCallback(func(cubes []registry.CubeState) { updated = append(updated, cubes...) })

	m.handleMessage("relay-1", protocol.RelayInbound{
		Type: "response",
		Payload: protocol.RelayInboundPayload{
			Info:         "battery",
			Target:       "A01",
			BatteryLevel: []byte("87"),
		},
	})

	if len(updated) != 1 || updated[0].Battery == nil || *updated[0].Battery != 87 {
		t.Fatalf("expected battery 87, got %+v", updated)
	}
}

func TestHandleMessageLogsSystemAndErrorWithoutCallback(t *testing.T) {
	m, err := NewManager(registry.New(), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	// No LogCallback installed: this must fall back to slog rather than panic.
	m.handleMessage("relay-1", protocol.RelayInbound{Type: "system"})
	m.handleMessage("relay-1", protocol.RelayInbound{Type: "error", Payload: protocol.RelayInboundPayload{Message: "boom"}})
}

func TestHandleMessageLogCallbackReceivesRelayMessages(t *testing.T) {
	m, err := NewManager(registry.New(), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	var logs []string
	m.SetLogCallback(func(level, message string, ctx map[string]any) {
		logs = append(logs, level+":"+message)
	})

	m.handleMessage("relay-1", protocol.RelayInbound{Type: "error", Payload: protocol.RelayInboundPayload{Message: "boom"}})
	if len(logs) != 1 || logs[0] != "error:boom" {
		t.Fatalf("expected one error log, got %+v", logs)
	}
}
