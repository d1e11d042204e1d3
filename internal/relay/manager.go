package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codewiresh/codewire/internal/config"
	"github.com/codewiresh/codewire/internal/protocol"
	"github.com/codewiresh/codewire/internal/registry"
)

func jsonUnmarshalInt(raw json.RawMessage, out *int) error {
	return json.Unmarshal(raw, out)
}

// requireResultFalse returns a pointer to false for "command" payloads.
// Only commands carry require_result on the wire; queries never do.
func requireResultFalse() *bool {
	v := false
	return &v
}

// StatusEvent is published whenever a relay's connection state changes.
type StatusEvent struct {
	RelayID string
	Status  string // "stopped" | "connecting" | "connected"
	Message string
}

// StatusCallback is invoked on every relay status transition.
type StatusCallback func(StatusEvent)

// CubeUpdateCallback is invoked with the batch of cubes whose state changed
// as a result of ingesting relay telemetry.
type CubeUpdateCallback func([]registry.CubeState)

// LogCallback forwards relay "system"/"error" messages for UI-visible
// logging, in addition to the structured slog output Manager emits on its
// own.
type LogCallback func(level, message string, context map[string]any)

type relayHandle struct {
	config     config.RelayConfig
	connection *Connection
}

// Manager owns every RelayConnection, the static cube_id -> relay_id map,
// and the last-known status per relay.
type Manager struct {
	registry       *registry.Registry
	reconnectDelay time.Duration

	relays      map[string]*relayHandle
	cubeToRelay map[string]string

	mu          sync.Mutex
	relayStates map[string]ConnState

	statusCb StatusCallback
	cubeCb   CubeUpdateCallback
	logCb    LogCallback
}

// NewManager builds a Manager from the static relay configuration. It does
// not start any connections; call Start for that.
func NewManager(reg *registry.Registry, cfg *config.Config) (*Manager, error) {
	m := &Manager{
		registry:       reg,
		reconnectDelay: cfg.ReconnectDelay(),
		relays:         make(map[string]*relayHandle),
		cubeToRelay:    cfg.CubeToRelay(),
		relayStates:    make(map[string]ConnState),
	}

	for _, relayCfg := range cfg.Relays {
		relayID := relayCfg.ID
		conn, err := NewConnection(ConnectionOptions{
			RelayID:        relayID,
			URI:            relayCfg.URI,
			ReconnectDelay: m.reconnectDelay,
		})
		if err != nil {
			return nil, fmt.Errorf("relay %s: %w", relayID, err)
		}
		conn.SetMessageHandler(func(msg protocol.RelayInbound) { m.handleMessage(relayID, msg) })
		conn.SetStatusHandler(func(state ConnState, message string) { m.handleStatus(relayID, state, message) })

		m.relays[relayID] = &relayHandle{config: relayCfg, connection: conn}
		m.relayStates[relayID] = Stopped
	}

	return m, nil
}

// SetStatusCallback installs the relay status callback. Call before Start.
func (m *Manager) SetStatusCallback(cb StatusCallback) { m.statusCb = cb }

// SetCubeUpdateCallback installs the cube-diff callback. Call before Start.
func (m *Manager) SetCubeUpdateCallback(cb CubeUpdateCallback) { m.cubeCb = cb }

// SetLogCallback installs the relay system/error log callback. Call before Start.
func (m *Manager) SetLogCallback(cb LogCallback) { m.logCb = cb }

// Start connects every configured relay. It does not block.
func (m *Manager) Start(ctx context.Context) {
	for _, handle := range m.relays {
		handle.connection.Start(ctx)
	}
}

// Stop tears down every relay connection.
func (m *Manager) Stop() {
	for _, handle := range m.relays {
		handle.connection.Stop()
	}
}

// ManualDriveCommand is the validated input to SendManualDrive.
type ManualDriveCommand struct {
	Targets    []string
	Left, Right int
}

// LedCommand is the validated input to SendLed.
type LedCommand struct {
	Targets []string
	R, G, B int
}

// SendManualDrive fans a "move" command out to every target cube. It
// validates and sends to each target in turn and aborts the batch at the
// first failure; commands already sent to earlier targets are not rolled
// back.
func (m *Manager) SendManualDrive(cmd ManualDriveCommand) error {
	if len(cmd.Targets) == 0 {
		return fmt.Errorf("manual_drive requires at least one target")
	}
	for _, target := range cmd.Targets {
		payload := protocol.RelayOutbound{
			Type: "command",
			Payload: protocol.RelayOutboundPayload{
				Cmd:           "move",
				Target:        target,
				Params:        map[string]any{"left_speed": cmd.Left, "right_speed": cmd.Right},
				RequireResult: requireResultFalse(),
			},
		}
		if err := m.sendToCube(target, payload); err != nil {
			return err
		}
	}
	return nil
}

// SendLed fans an "led" command out to every target cube, with the same
// abort-at-first-failure semantics as SendManualDrive.
func (m *Manager) SendLed(cmd LedCommand) error {
	if len(cmd.Targets) == 0 {
		return fmt.Errorf("set_led requires at least one target")
	}
	for _, target := range cmd.Targets {
		payload := protocol.RelayOutbound{
			Type: "command",
			Payload: protocol.RelayOutboundPayload{
				Cmd:           "led",
				Target:        target,
				Params:        map[string]any{"r": cmd.R, "g": cmd.G, "b": cmd.B},
				RequireResult: requireResultFalse(),
			},
		}
		if err := m.sendToCube(target, payload); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) sendToCube(cubeID string, payload protocol.RelayOutbound) error {
	relayID, ok := m.cubeToRelay[cubeID]
	if !ok {
		return fmt.Errorf("cube %s is not registered", cubeID)
	}
	handle, ok := m.relays[relayID]
	if !ok {
		return fmt.Errorf("relay %s not registered", relayID)
	}

	m.mu.Lock()
	state := m.relayStates[relayID]
	m.mu.Unlock()
	if state != Connected {
		return fmt.Errorf("relay %s not connected", relayID)
	}

	handle.connection.Send(payload)
	return nil
}

func (m *Manager) handleStatus(relayID string, state ConnState, message string) {
	m.mu.Lock()
	m.relayStates[relayID] = state
	m.mu.Unlock()

	if m.statusCb != nil {
		m.statusCb(StatusEvent{RelayID: relayID, Status: state.String(), Message: message})
	}

	if state == Connected {
		if handle, ok := m.relays[relayID]; ok {
			m.bootstrapRelay(handle)
		}
	}
}

// bootstrapRelay re-establishes device state on (re)connect: for each cube
// it sends connect, a position subscription, and a one-shot battery query,
// in that order, as three independent relay-bound messages.
func (m *Manager) bootstrapRelay(handle *relayHandle) {
	for _, cube := range handle.config.Cubes {
		handle.connection.Send(protocol.RelayOutbound{
			Type:    "command",
			Payload: protocol.RelayOutboundPayload{Cmd: "connect", Target: cube, RequireResult: requireResultFalse()},
		})
		handle.connection.Send(protocol.RelayOutbound{
			Type:    "query",
			Payload: protocol.RelayOutboundPayload{Info: "position", Target: cube, Notify: true},
		})
		handle.connection.Send(protocol.RelayOutbound{
			Type:    "query",
			Payload: protocol.RelayOutboundPayload{Info: "battery", Target: cube},
		})
	}
}

func (m *Manager) handleMessage(relayID string, msg protocol.RelayInbound) {
	now := time.Now()

	switch msg.Type {
	case "response":
		switch msg.Payload.Info {
		case "position":
			m.ingestPosition(relayID, msg.Payload, now)
		case "battery":
			m.ingestBattery(relayID, msg.Payload, now)
		}
	case "system":
		slog.Info("relay system message", "relay_id", relayID)
		if m.logCb != nil {
			m.logCb("info", "relay system message", map[string]any{"relay_id": relayID})
		}
	case "error":
		slog.Error("relay error", "relay_id", relayID, "message", msg.Payload.Message)
		if m.logCb != nil {
			m.logCb("error", msg.Payload.Message, map[string]any{"relay_id": relayID})
		}
	}
}

func (m *Manager) ingestPosition(relayID string, payload protocol.RelayInboundPayload, now time.Time) {
	if payload.Target == "" {
		return
	}
	update := registry.Update{CubeID: payload.Target, RelayID: relayID, Timestamp: now}

	if p := payload.Position; p != nil {
		var pose registry.Pose
		hasValue := false
		if p.X != nil {
			pose.X = *p.X
			hasValue = true
		}
		if p.Y != nil {
			pose.Y = *p.Y
			hasValue = true
		}
		if p.Angle != nil {
			pose.Deg = *p.Angle
			hasValue = true
		}
		if p.OnMat != nil {
			pose.OnMat = *p.OnMat
			hasValue = true
		}
		if hasValue {
			update.Position = &pose
		}
	}

	if l := payload.Led; l != nil {
		var led registry.Led
		hasLed := false
		if l.R != nil {
			led.R = *l.R
			hasLed = true
		}
		if l.G != nil {
			led.G = *l.G
			hasLed = true
		}
		if l.B != nil {
			led.B = *l.B
			hasLed = true
		}
		if hasLed {
			update.Led = &led
		}
	}

	changed := m.registry.ApplyUpdates([]registry.Update{update})
	if len(changed) > 0 && m.cubeCb != nil {
		m.cubeCb(changed)
	}
}

func (m *Manager) ingestBattery(relayID string, payload protocol.RelayInboundPayload, now time.Time) {
	if payload.Target == "" {
		return
	}
	update := registry.Update{CubeID: payload.Target, RelayID: relayID, Timestamp: now}

	if len(payload.BatteryLevel) > 0 {
		var level int
		if err := jsonUnmarshalInt(payload.BatteryLevel, &level); err == nil {
			update.Battery = &level
		}
	}

	state, changed := m.registry.ApplyUpdate(update)
	if changed && m.cubeCb != nil {
		m.cubeCb([]registry.CubeState{state})
	}
}
