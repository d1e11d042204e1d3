// Package registry holds the real-time state of every cube the control
// server has ever heard from. It is the only mutator of that state; all
// other components read through its batch-oriented API.
package registry

import (
	"sync"
	"time"
)

// Pose is a cube's last-known position on the mat.
type Pose struct {
	X     float64
	Y     float64
	Deg   float64
	OnMat bool
}

// Led is a cube's last-known LED color.
type Led struct {
	R, G, B int
}

// CubeState is the canonical, merged record for one cube.
type CubeState struct {
	CubeID      string
	RelayID     string
	Position    Pose
	HasPosition bool
	Battery     *int
	Led         Led
	GoalID      string
	LastUpdated time.Time
}

// Update is a partial patch applied to a cube's state. Nil/zero-value
// pointer fields are left untouched by ApplyUpdate; RelayID and GoalID use the
// empty string as "absent" since both are always non-empty once set.
type Update struct {
	CubeID    string
	RelayID   string
	Timestamp time.Time
	Position  *Pose
	Battery   *int
	Led       *Led
	GoalID    string
	// ClearGoal, when true, forces GoalID to the empty string regardless of
	// the GoalID field above. Needed because the empty string is otherwise
	// "absent" in this patch representation.
	ClearGoal bool
}

const maxHistory = 256

// HistoryEntry pairs a changed CubeState with the time the change was
// recorded.
type HistoryEntry struct {
	Timestamp time.Time
	State     CubeState
}

// Registry is a thread-safe store of per-cube state, keyed by cube id.
type Registry struct {
	mu      sync.Mutex
	cubes   map[string]*CubeState
	history []HistoryEntry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{cubes: make(map[string]*CubeState)}
}

// ApplyUpdate merges a single patch into the stored state for its cube,
// creating the entry lazily if this is the first update seen for that cube.
// It returns the resulting CubeState iff at least one observable field
// changed; LastUpdated is always advanced to the patch's timestamp.
func (r *Registry) ApplyUpdate(u Update) (CubeState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocked(u)
}

// ApplyUpdates applies a batch of patches in order and returns the changed
// results, preserving input order.
func (r *Registry) ApplyUpdates(updates []Update) []CubeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := make([]CubeState, 0, len(updates))
	for _, u := range updates {
		if state, ok := r.applyLocked(u); ok {
			changed = append(changed, state)
		}
	}
	return changed
}

func (r *Registry) applyLocked(u Update) (CubeState, bool) {
	state, exists := r.cubes[u.CubeID]
	if !exists {
		state = &CubeState{CubeID: u.CubeID}
		r.cubes[u.CubeID] = state
	}

	changed := false

	if u.RelayID != "" && u.RelayID != state.RelayID {
		state.RelayID = u.RelayID
		changed = true
	}
	if u.Position != nil && (!state.HasPosition || *u.Position != state.Position) {
		state.Position = *u.Position
		state.HasPosition = true
		changed = true
	}
	if u.Battery != nil && (state.Battery == nil || *state.Battery != *u.Battery) {
		b := *u.Battery
		state.Battery = &b
		changed = true
	}
	if u.Led != nil && *u.Led != state.Led {
		state.Led = *u.Led
		changed = true
	}
	if u.GoalID != "" && u.GoalID != state.GoalID {
		state.GoalID = u.GoalID
		changed = true
	} else if u.ClearGoal && state.GoalID != "" {
		state.GoalID = ""
		changed = true
	}

	state.LastUpdated = u.Timestamp

	result := *state
	if changed {
		r.history = append(r.history, HistoryEntry{Timestamp: u.Timestamp, State: result})
		if len(r.history) > maxHistory {
			r.history = r.history[len(r.history)-maxHistory:]
		}
	}
	return result, changed
}

// Snapshot returns a full copy of every known cube's state, for new
// subscribers.
func (r *Registry) Snapshot() []CubeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CubeState, 0, len(r.cubes))
	for _, state := range r.cubes {
		out = append(out, *state)
	}
	return out
}

// History returns the last n change records, most recent last.
func (r *Registry) History(n int) []HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > len(r.history) {
		n = len(r.history)
	}
	if n <= 0 {
		return nil
	}
	start := len(r.history) - n
	out := make([]HistoryEntry, n)
	copy(out, r.history[start:])
	return out
}
