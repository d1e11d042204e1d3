package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/codewiresh/codewire/internal/config"
	"github.com/codewiresh/codewire/internal/fleet"
	"github.com/codewiresh/codewire/internal/protocol"
	"github.com/codewiresh/codewire/internal/registry"
	"github.com/codewiresh/codewire/internal/relay"
)

// uiServer is the subset of *Server the gateway depends on. Narrowing to an
// interface lets tests exercise command dispatch without a real listener.
type uiServer interface {
	SetMessageHandler(MessageHandler)
	SetOpenHandler(SessionEventHandler)
	SetCloseHandler(SessionEventHandler)
	Send(SessionID, []byte)
	Broadcast([]byte)
}

var defaultStreams = []string{"relay_status", "cube_update", "fleet_state", "log"}

type subscription struct {
	streams    map[string]bool
	cubeFilter map[string]bool
}

func newDefaultSubscription() subscription {
	streams := make(map[string]bool, len(defaultStreams))
	for _, s := range defaultStreams {
		streams[s] = true
	}
	return subscription{streams: streams, cubeFilter: make(map[string]bool)}
}

func (s subscription) wants(stream string) bool {
	return len(s.streams) == 0 || s.streams[stream]
}

func (s subscription) allows(cubeID string) bool {
	return len(s.cubeFilter) == 0 || s.cubeFilter[cubeID]
}

// Gateway dispatches the UI command protocol: it owns per-session stream
// subscriptions and translates inbound commands into calls against the
// relay manager, cube registry and fleet orchestrator, publishing the
// results back out on the matching streams.
type Gateway struct {
	server       uiServer
	relayManager *relay.Manager
	registry     *registry.Registry
	orchestrator *fleet.Orchestrator
	field        config.FieldConfig

	mu            sync.Mutex
	subscriptions map[SessionID]subscription
	relayStatus   map[string]relay.StatusEvent
}

// New wires a Gateway to its collaborators. Call RegisterHandlers once the
// gateway's callbacks should start flowing.
func New(server uiServer, relayManager *relay.Manager, reg *registry.Registry, orchestrator *fleet.Orchestrator, field config.FieldConfig) *Gateway {
	return &Gateway{
		server:        server,
		relayManager:  relayManager,
		registry:      reg,
		orchestrator:  orchestrator,
		field:         field,
		subscriptions: make(map[SessionID]subscription),
		relayStatus:   make(map[string]relay.StatusEvent),
	}
}

// RegisterHandlers installs the gateway as the Server's message/open/close
// handler and as the Manager's status/cube-update/log sink.
func (g *Gateway) RegisterHandlers() {
	g.server.SetOpenHandler(g.handleOpen)
	g.server.SetCloseHandler(g.handleClose)
	g.server.SetMessageHandler(g.handleMessage)

	g.relayManager.SetStatusCallback(g.PublishRelayStatus)
	g.relayManager.SetCubeUpdateCallback(g.PublishCubeUpdates)
	g.relayManager.SetLogCallback(func(level, message string, ctx map[string]any) {
		g.PublishLog(level, message, ctx)
	})
}

func (g *Gateway) handleOpen(session SessionID) {
	g.mu.Lock()
	g.subscriptions[session] = newDefaultSubscription()
	g.mu.Unlock()
	g.sendSnapshot(session, false)
}

func (g *Gateway) handleClose(session SessionID) {
	g.mu.Lock()
	delete(g.subscriptions, session)
	g.mu.Unlock()
}

func (g *Gateway) handleMessage(raw json.RawMessage, session SessionID) {
	var msg protocol.InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
		g.sendError(session, "", protocol.CodeInvalidPayload, "message.type must be a string")
		return
	}

	var payload map[string]any
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			g.sendError(session, msg.RequestID, protocol.CodeInvalidPayload, "payload must be an object")
			return
		}
	}
	if payload == nil {
		payload = map[string]any{}
	}

	switch msg.Type {
	case "subscribe":
		g.handleSubscribe(payload, msg.RequestID, session)
	case "manual_drive":
		g.handleManualDrive(payload, msg.RequestID, session)
	case "set_led":
		g.handleSetLed(payload, msg.RequestID, session)
	case "set_goal":
		g.handleSetGoal(payload, msg.RequestID, session)
	case "clear_goal":
		g.handleClearGoal(payload, msg.RequestID, session)
	case "set_group":
		g.handleSetGroup(payload, msg.RequestID, session)
	case "request_snapshot":
		g.handleRequestSnapshot(payload, msg.RequestID, session)
	default:
		g.sendError(session, msg.RequestID, protocol.CodeInvalidPayload, "unknown command type: "+msg.Type)
	}
}

// PublishRelayStatus forwards a relay connection status transition to every
// session subscribed to the "relay_status" stream.
func (g *Gateway) PublishRelayStatus(event relay.StatusEvent) {
	g.mu.Lock()
	g.relayStatus[event.RelayID] = event
	sessions := g.snapshotSubscriptionsLocked()
	g.mu.Unlock()

	envelope := g.envelope("relay_status", map[string]any{
		"relay_id": event.RelayID,
		"status":   event.Status,
		"message":  event.Message,
	})
	for session, sub := range sessions {
		if sub.wants("relay_status") {
			g.server.Send(session, envelope)
		}
	}
}

// PublishCubeUpdates forwards a batch of changed cube states to every
// session subscribed to "cube_update", honoring each session's cube_filter.
func (g *Gateway) PublishCubeUpdates(updates []registry.CubeState) {
	if len(updates) == 0 {
		return
	}
	g.mu.Lock()
	sessions := g.snapshotSubscriptionsLocked()
	g.mu.Unlock()

	for session, sub := range sessions {
		if !sub.wants("cube_update") {
			continue
		}
		var batch []map[string]any
		for _, state := range updates {
			if sub.allows(state.CubeID) {
				batch = append(batch, cubeStateToMap(state))
			}
		}
		if len(batch) == 0 {
			continue
		}
		g.server.Send(session, g.envelope("cube_update", map[string]any{"updates": batch}))
	}
}

// PublishLog forwards a server-internal log line to every session
// subscribed to the "log" stream.
func (g *Gateway) PublishLog(level, message string, context map[string]any) {
	g.mu.Lock()
	sessions := g.snapshotSubscriptionsLocked()
	g.mu.Unlock()

	envelope := g.envelope("log", map[string]any{"level": level, "message": message, "context": context})
	for session, sub := range sessions {
		if sub.wants("log") {
			g.server.Send(session, envelope)
		}
	}
}

// PublishFleetState forwards the current fleet snapshot to every session
// subscribed to "fleet_state".
func (g *Gateway) PublishFleetState() {
	g.mu.Lock()
	sessions := g.snapshotSubscriptionsLocked()
	g.mu.Unlock()

	snap := g.orchestrator.Snapshot()
	var activeGoals []map[string]any
	for _, goal := range snap.ActiveGoals {
		pose := map[string]any{"x": goal.Pose.X, "y": goal.Pose.Y}
		if goal.Pose.Angle != nil {
			pose["angle"] = *goal.Pose.Angle
		}
		activeGoals = append(activeGoals, map[string]any{
			"goal_id":    goal.GoalID,
			"cube_id":    goal.CubeID,
			"priority":   goal.Priority,
			"created_at": goal.CreatedAt.UnixMilli(),
			"pose":       pose,
		})
	}

	envelope := g.envelope("fleet_state", map[string]any{
		"tick_hz":       snap.TickHz,
		"tasks_in_queue": snap.TasksInQueue,
		"warnings":      snap.Warnings,
		"active_goals":  activeGoals,
	})
	for session, sub := range sessions {
		if sub.wants("fleet_state") {
			g.server.Send(session, envelope)
		}
	}
}

func (g *Gateway) snapshotSubscriptionsLocked() map[SessionID]subscription {
	out := make(map[SessionID]subscription, len(g.subscriptions))
	for id, sub := range g.subscriptions {
		out[id] = sub
	}
	return out
}

func (g *Gateway) handleSubscribe(payload map[string]any, requestID string, session SessionID) {
	sub := newDefaultSubscription()

	if rawStreams, ok := payload["streams"].([]any); ok {
		sub.streams = make(map[string]bool)
		for _, item := range rawStreams {
			if s, ok := item.(string); ok {
				sub.streams[s] = true
			}
		}
		if len(sub.streams) == 0 {
			sub = newDefaultSubscription()
		}
	}

	if rawFilter, ok := payload["cube_filter"].([]any); ok {
		for _, item := range rawFilter {
			if c, ok := item.(string); ok {
				sub.cubeFilter[c] = true
			}
		}
	}

	includeHistory, _ := payload["include_history"].(bool)

	g.mu.Lock()
	g.subscriptions[session] = sub
	g.mu.Unlock()

	g.sendAck(session, requestID, nil)
	g.publishFieldInfo(session)
	if includeHistory {
		g.sendSnapshot(session, true)
	}
}

func (g *Gateway) handleManualDrive(payload map[string]any, requestID string, session SessionID) {
	targets, ok := stringSlice(payload["targets"])
	if !ok {
		g.sendError(session, requestID, protocol.CodeInvalidPayload, "manual_drive.targets must be array")
		return
	}
	cmd := relay.ManualDriveCommand{
		Targets: targets,
		Left:    intField(payload["left"]),
		Right:   intField(payload["right"]),
	}
	if err := g.relayManager.SendManualDrive(cmd); err != nil {
		g.sendError(session, requestID, protocol.CodeRelayError, err.Error())
		return
	}
	g.sendAck(session, requestID, nil)
}

func (g *Gateway) handleSetLed(payload map[string]any, requestID string, session SessionID) {
	targets, ok := stringSlice(payload["targets"])
	if !ok {
		g.sendError(session, requestID, protocol.CodeInvalidPayload, "set_led.targets must be array")
		return
	}
	color, ok := payload["color"].(map[string]any)
	if !ok {
		g.sendError(session, requestID, protocol.CodeInvalidPayload, "color must be object")
		return
	}
	r, gr, b := intField(color["r"]), intField(color["g"]), intField(color["b"])

	if err := g.relayManager.SendLed(relay.LedCommand{Targets: targets, R: r, G: gr, B: b}); err != nil {
		g.sendError(session, requestID, protocol.CodeRelayError, err.Error())
		return
	}
	g.sendAck(session, requestID, nil)

	now := time.Now()
	updates := make([]registry.Update, 0, len(targets))
	for _, cube := range targets {
		updates = append(updates, registry.Update{
			CubeID:    cube,
			Timestamp: now,
			Led:       &registry.Led{R: r, G: gr, B: b},
		})
	}
	if changed := g.registry.ApplyUpdates(updates); len(changed) > 0 {
		g.PublishCubeUpdates(changed)
	}
}

func (g *Gateway) handleSetGoal(payload map[string]any, requestID string, session SessionID) {
	targets, ok := stringSlice(payload["targets"])
	if !ok || len(targets) == 0 {
		g.sendError(session, requestID, protocol.CodeInvalidPayload, "set_goal.targets must be non-empty array")
		return
	}
	goalRaw, ok := payload["goal"].(map[string]any)
	if !ok {
		g.sendError(session, requestID, protocol.CodeInvalidPayload, "goal must be object")
		return
	}

	req := fleet.Request{
		Targets:     targets,
		Pose:        fleet.Pose{X: floatField(goalRaw["x"]), Y: floatField(goalRaw["y"])},
		Priority:    intField(payload["priority"]),
		KeepHistory: boolField(payload["keep_history"]),
	}
	if angle, present := goalRaw["angle"]; present {
		v := floatField(angle)
		req.Pose.Angle = &v
	}

	goalID, ignored, err := g.orchestrator.AssignGoal(req)
	if err != nil {
		g.sendError(session, requestID, protocol.CodeInvalidPayload, err.Error())
		return
	}

	details, _ := json.Marshal(map[string]any{"goal_id": goalID})
	g.sendAck(session, requestID, details)

	if len(ignored) > 0 {
		g.PublishLog("warn", "set_goal: additional targets ignored, only the first target is assigned a goal",
			map[string]any{"ignored": ignored, "goal_id": goalID})
	}

	now := time.Now()
	update := registry.Update{CubeID: targets[0], Timestamp: now, GoalID: goalID}
	if changed, ok := g.registry.ApplyUpdate(update); ok {
		g.PublishCubeUpdates([]registry.CubeState{changed})
	}
	g.PublishFleetState()
}

func (g *Gateway) handleClearGoal(payload map[string]any, requestID string, session SessionID) {
	targets, ok := stringSlice(payload["targets"])
	if !ok || len(targets) == 0 {
		g.sendError(session, requestID, protocol.CodeInvalidPayload, "clear_goal.targets must be non-empty array")
		return
	}

	now := time.Now()
	var changedAll []registry.CubeState
	for _, cube := range targets {
		g.orchestrator.ClearGoal(cube)
		if state, ok := g.registry.ApplyUpdate(registry.Update{CubeID: cube, Timestamp: now, ClearGoal: true}); ok {
			changedAll = append(changedAll, state)
		}
	}
	g.sendAck(session, requestID, nil)

	if len(changedAll) > 0 {
		g.PublishCubeUpdates(changedAll)
	}
	g.PublishFleetState()
}

func (g *Gateway) handleSetGroup(payload map[string]any, requestID string, session SessionID) {
	groupID, _ := payload["group_id"].(string)
	if groupID == "" {
		g.sendError(session, requestID, protocol.CodeInvalidPayload, "group_id is required")
		return
	}
	if _, ok := stringSlice(payload["members"]); !ok {
		g.sendError(session, requestID, protocol.CodeInvalidPayload, "members must be array")
		return
	}
	// Group membership is validated and acknowledged but is not stored, and
	// no command in this protocol dereferences a group id. See DESIGN.md.
	g.sendAck(session, requestID, nil)
}

func (g *Gateway) handleRequestSnapshot(payload map[string]any, requestID string, session SessionID) {
	includeHistory := boolField(payload["include_history"])
	g.sendAck(session, requestID, nil)
	g.sendSnapshot(session, includeHistory)
}

func (g *Gateway) sendAck(session SessionID, requestID string, details json.RawMessage) {
	if len(details) == 0 {
		g.server.Send(session, g.envelope("ack", map[string]any{"request_id": requestID}))
		return
	}
	env := g.envelopeRaw("ack", fmt.Sprintf(`{"request_id":%s,"details":%s}`, quoteJSON(requestID), string(details)))
	g.server.Send(session, env)
}

func (g *Gateway) sendError(session SessionID, requestID, code, message string) {
	env := g.envelope("error", map[string]any{"request_id": requestID, "code": code, "message": message})
	g.server.Send(session, env)
}

func (g *Gateway) sendSnapshot(session SessionID, includeHistory bool) {
	g.mu.Lock()
	relays := make([]map[string]any, 0, len(g.relayStatus))
	for id, status := range g.relayStatus {
		relays = append(relays, map[string]any{"relay_id": id, "status": status.Status, "message": status.Message})
	}
	g.mu.Unlock()

	cubes := g.registry.Snapshot()
	cubeMaps := make([]map[string]any, 0, len(cubes))
	for _, c := range cubes {
		cubeMaps = append(cubeMaps, cubeStateToMap(c))
	}

	var history []map[string]any
	if includeHistory {
		for _, entry := range g.registry.History(64) {
			m := cubeStateToMap(entry.State)
			m["timestamp"] = entry.Timestamp.UnixMilli()
			history = append(history, m)
		}
	}

	payload := map[string]any{
		"field":   fieldPayload(g.field),
		"relays":  relays,
		"cubes":   cubeMaps,
		"history": history,
	}
	g.server.Send(session, g.envelope("snapshot", payload))
}

func (g *Gateway) publishFieldInfo(session SessionID) {
	g.server.Send(session, g.envelope("field_info", fieldPayload(g.field)))
}

func (g *Gateway) envelope(msgType string, payload any) []byte {
	body, err := json.Marshal(protocolEnvelope{Type: msgType, Timestamp: time.Now().UnixMilli(), Payload: payload})
	if err != nil {
		return []byte(fmt.Sprintf(`{"type":"error","timestamp":%d,"payload":{"code":"internal_error","message":"failed to encode message"}}`, time.Now().UnixMilli()))
	}
	return body
}

func (g *Gateway) envelopeRaw(msgType, rawPayload string) []byte {
	return []byte(fmt.Sprintf(`{"type":%s,"timestamp":%d,"payload":%s}`, quoteJSON(msgType), time.Now().UnixMilli(), rawPayload))
}

type protocolEnvelope struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload"`
}

func fieldPayload(f config.FieldConfig) map[string]any {
	return map[string]any{
		"top_left":     map[string]any{"x": f.TopLeft.X, "y": f.TopLeft.Y},
		"bottom_right": map[string]any{"x": f.BottomRight.X, "y": f.BottomRight.Y},
	}
}

func cubeStateToMap(state registry.CubeState) map[string]any {
	m := map[string]any{
		"cube_id":  state.CubeID,
		"relay_id": state.RelayID,
		"goal_id":  state.GoalID,
		"led":      map[string]any{"r": state.Led.R, "g": state.Led.G, "b": state.Led.B},
	}
	if state.Battery != nil {
		m["battery"] = *state.Battery
	} else {
		m["battery"] = nil
	}
	if state.HasPosition {
		m["position"] = map[string]any{
			"x": state.Position.X, "y": state.Position.Y, "deg": state.Position.Deg, "on_mat": state.Position.OnMat,
		}
	}
	return m
}

func stringSlice(v any) ([]string, bool) {
	arr, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}

func intField(v any) int {
	f, _ := v.(float64)
	return int(f)
}

func floatField(v any) float64 {
	f, _ := v.(float64)
	return f
}

func boolField(v any) bool {
	b, _ := v.(bool)
	return b
}

func quoteJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
