// Package fleet tracks per-cube goal assignments and exposes fleet-wide
// snapshots consumed by the command gateway.
package fleet

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewiresh/codewire/internal/registry"
)

// ErrEmptyTargets is returned when a GoalRequest names no targets.
var ErrEmptyTargets = errors.New("goal request requires at least one target")

const maxHistory = 64

// Pose is a goal's target position. Angle is optional.
type Pose struct {
	X     float64
	Y     float64
	Angle *float64
}

// Request is the input to AssignGoal.
type Request struct {
	Targets     []string
	Pose        Pose
	Priority    int
	KeepHistory bool
}

// Assignment is one recorded goal, either active or retained in history.
type Assignment struct {
	GoalID    string
	CubeID    string
	Pose      Pose
	Priority  int
	CreatedAt time.Time
}

// State is a point-in-time view of the fleet, as published on the
// "fleet_state" stream.
type State struct {
	TickHz        float64
	TasksInQueue  int
	Warnings      []string
	ActiveGoals   []Assignment
}

// Orchestrator is a thread-safe map of cube_id -> active GoalAssignment plus
// a bounded ring of recently-assigned goals.
type Orchestrator struct {
	registry *registry.Registry

	mu      sync.Mutex
	active  map[string]Assignment
	history []Assignment
	counter uint64
}

// New creates an Orchestrator. registry is consulted by Snapshot to surface
// per-cube position warnings.
func New(reg *registry.Registry) *Orchestrator {
	return &Orchestrator{
		registry: reg,
		active:   make(map[string]Assignment),
	}
}

// AssignGoal records a new goal and returns its generated id.
//
// Only targets[0] receives the assignment: subsequent targets in the same
// request are not assigned and are not kept for later use (see DESIGN.md).
// They are returned as the second value so the gateway can warn about
// ignored targets instead of silently dropping them.
func (o *Orchestrator) AssignGoal(req Request) (goalID string, ignored []string, err error) {
	if len(req.Targets) == 0 {
		return "", nil, ErrEmptyTargets
	}

	n := atomic.AddUint64(&o.counter, 1)
	goalID = fmt.Sprintf("goal-%d", n)
	assignment := Assignment{
		GoalID:    goalID,
		CubeID:    req.Targets[0],
		Pose:      req.Pose,
		Priority:  req.Priority,
		CreatedAt: time.Now(),
	}

	o.mu.Lock()
	o.active[assignment.CubeID] = assignment
	if req.KeepHistory {
		o.history = append(o.history, assignment)
		if len(o.history) > maxHistory {
			o.history = o.history[len(o.history)-maxHistory:]
		}
	}
	o.mu.Unlock()

	if len(req.Targets) > 1 {
		ignored = req.Targets[1:]
	}
	return goalID, ignored, nil
}

// ClearGoal removes the active assignment for cubeID, if any.
func (o *Orchestrator) ClearGoal(cubeID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, cubeID)
}

// Snapshot returns the current fleet state: the tick rate constant, the
// count and contents of active goals, and one warning per registered cube
// that has no known position yet.
func (o *Orchestrator) Snapshot() State {
	o.mu.Lock()
	goals := make([]Assignment, 0, len(o.active))
	for _, a := range o.active {
		goals = append(goals, a)
	}
	o.mu.Unlock()

	state := State{
		TickHz:       30.0,
		TasksInQueue: len(goals),
		ActiveGoals:  goals,
	}

	for _, cube := range o.registry.Snapshot() {
		if !cube.HasPosition {
			state.Warnings = append(state.Warnings, fmt.Sprintf("Cube %s position unknown", cube.CubeID))
		}
	}
	return state
}
