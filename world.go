package netsync

import "sort"

// EntityFlags are rendering hints derived by the Engine
type EntityFlags uint8

const (
	// FlagStale marks a remote entity extrapolated beyond the horizon.
	// Its position is frozen until a new snapshot arrives.
	FlagStale EntityFlags = 1 << iota

	// FlagOrphaned marks a remote entity without authoritative updates
	// for longer than the disconnect threshold
	FlagOrphaned
)

// Has reports whether all bits of g are set in f
func (f EntityFlags) Has(g EntityFlags) bool { return f&g == g }

// An EntityView is the render-facing state of one entity
type EntityView struct {
	Owner PeerID
	Local bool

	// State is the simulated state of a local entity or the
	// predicted state of a remote one
	State EntitySnapshot

	// Confirmed is the last authoritative snapshot
	Confirmed   EntitySnapshot
	LastApplied Tick
	Flags       EntityFlags
}

// A WorldView is an immutable copy of the world taken at a tick boundary
type WorldView struct {
	Tick     Tick
	entities map[EntityID]EntityView
}

// Get returns the view of an entity
func (w *WorldView) Get(id EntityID) (EntityView, bool) {
	if w == nil {
		return EntityView{}, false
	}

	v, ok := w.entities[id]
	return v, ok
}

// Len returns the number of entities
func (w *WorldView) Len() int {
	if w == nil {
		return 0
	}

	return len(w.entities)
}

// IDs returns the entity ids in ascending order
func (w *WorldView) IDs() []EntityID {
	if w == nil {
		return nil
	}

	r := make([]EntityID, 0, len(w.entities))
	for id := range w.entities {
		r = append(r, id)
	}
	sort.Slice(r, func(i, j int) bool { return r[i] < r[j] })

	return r
}

// WorldState maps every entity to its reconciled state.
// Only the Engine mutates it.
type WorldState struct {
	entities map[EntityID]*entityState
}

func newWorldState() *WorldState {
	return &WorldState{entities: make(map[EntityID]*entityState)}
}

// Len returns the number of entities
func (w *WorldState) Len() int { return len(w.entities) }

// View copies the world for readers outside the simulation loop
func (w *WorldState) View(tick Tick) *WorldView {
	v := &WorldView{
		Tick:     tick,
		entities: make(map[EntityID]EntityView, len(w.entities)),
	}
	for id, e := range w.entities {
		v.entities[id] = EntityView{
			Owner:       e.owner,
			Local:       e.local,
			State:       e.predicted,
			Confirmed:   e.confirmed,
			LastApplied: e.lastApplied,
			Flags:       e.flags,
		}
	}

	return v
}
