package netsync

import (
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/sirupsen/logrus"
)

type entityState struct {
	owner PeerID // fixed at creation
	local bool

	confirmed    EntitySnapshot
	hasConfirmed bool
	lastApplied  Tick
	confirmedAt  Tick // local tick of arrival

	predicted EntitySnapshot

	blending  bool
	blendFrom EntitySnapshot

	intent      InputCommand
	hasIntent   bool
	lastCommand Tick
	hasCommand  bool

	flags EntityFlags
}

// An Engine reconciles the WorldState with the local simulation
// and the snapshots and commands received from entity owners
type Engine struct {
	local PeerID
	sim   Simulator
	dt    float32

	horizon    int32
	correction int32
	orphan     int32

	tick    Tick
	world   *WorldState
	avatars map[PeerID]EntityID

	stalePackets uint64

	log *logrus.Entry
}

// ticks converts d to a whole number of ticks of length tick
func ticks(d, tick time.Duration) int32 {
	return int32(math.Round(float64(d) / float64(tick)))
}

// NewEngine returns an Engine for the local peer
func NewEngine(local PeerID, cfg ReplicationConfig, tickDuration time.Duration, sim Simulator, log *logrus.Entry) *Engine {
	if sim == nil {
		sim = DefaultKinematics()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Engine{
		local:      local,
		sim:        sim,
		dt:         float32(tickDuration.Seconds()),
		horizon:    ticks(cfg.Horizon, tickDuration),
		correction: ticks(cfg.Correction, tickDuration),
		orphan:     ticks(cfg.OrphanAfter, tickDuration),
		world:      newWorldState(),
		avatars:    make(map[PeerID]EntityID),
		log:        log,
	}
}

// Tick returns the local tick the Engine was last advanced to
func (e *Engine) Tick() Tick { return e.tick }

// World returns the WorldState owned by the Engine
func (e *Engine) World() *WorldState { return e.world }

// View copies the world at the current tick
func (e *Engine) View() *WorldView { return e.world.View(e.tick) }

// StalePackets reports how many snapshots and commands were discarded
// for being out of order or duplicated
func (e *Engine) StalePackets() uint64 { return e.stalePackets }

// Avatar returns the entity controlled by peer
func (e *Engine) Avatar(peer PeerID) (EntityID, bool) {
	id, ok := e.avatars[peer]
	return id, ok
}

// SpawnLocal creates the entity controlled by the local peer
func (e *Engine) SpawnLocal(s EntitySnapshot) error {
	if _, ok := e.world.entities[s.Entity]; ok {
		return ErrEntityExists
	}
	if s.Orientation == (mgl32.Quat{}) {
		s.Orientation = mgl32.QuatIdent()
	}

	e.world.entities[s.Entity] = &entityState{
		owner:        e.local,
		local:        true,
		confirmed:    s,
		hasConfirmed: true,
		lastApplied:  s.Tick,
		confirmedAt:  e.tick,
		predicted:    s,
	}
	e.avatars[e.local] = s.Entity

	return nil
}

// Register records the entity controlled by a remote peer.
// The owner of an entity can't change once set.
func (e *Engine) Register(owner PeerID, id EntityID) error {
	if owner == e.local {
		return ErrNotOwner
	}
	if es, ok := e.world.entities[id]; ok {
		if es.owner != owner {
			return ErrNotOwner
		}
	} else {
		e.world.entities[id] = &entityState{owner: owner}
	}
	e.avatars[owner] = id

	return nil
}

// ApplySnapshot reconciles a snapshot sent by from.
// The entity must have been registered for from.
// Snapshots at or behind the last applied tick of the entity
// are discarded with ErrStalePacket.
func (e *Engine) ApplySnapshot(from PeerID, s EntitySnapshot) error {
	if from == e.local {
		return ErrNotOwner
	}

	es, ok := e.world.entities[s.Entity]
	if !ok {
		return ErrUnknownEntity
	}
	if es.owner != from || es.local {
		return ErrNotOwner
	}

	if es.hasConfirmed && !s.Tick.After(es.lastApplied) {
		e.stalePackets++
		e.log.WithFields(logrus.Fields{
			"entity": s.Entity,
			"tick":   s.Tick,
			"last":   es.lastApplied,
		}).Debug("discarding stale snapshot")
		return ErrStalePacket
	}

	if s.Orientation == (mgl32.Quat{}) {
		s.Orientation = mgl32.QuatIdent()
	}

	if es.hasConfirmed {
		es.blendFrom = es.predicted
		es.blending = e.correction > 0
	} else {
		es.predicted = s
	}

	es.confirmed = s
	es.hasConfirmed = true
	es.lastApplied = s.Tick
	es.confirmedAt = e.tick
	es.flags = 0
	if es.hasIntent && !es.intent.Tick.After(s.Tick) {
		es.hasIntent = false
	}

	return nil
}

// ApplyCommand records the latest input of the avatar controlled by from.
// It steers extrapolation until a snapshot covering the command arrives.
func (e *Engine) ApplyCommand(from PeerID, cmd InputCommand) error {
	id, ok := e.avatars[from]
	if !ok || from == e.local {
		return ErrNotOwner
	}
	es, ok := e.world.entities[id]
	if !ok || es.owner != from {
		return ErrNotOwner
	}

	if es.hasCommand && !cmd.Tick.After(es.lastCommand) {
		e.stalePackets++
		return ErrStalePacket
	}

	es.lastCommand = cmd.Tick
	es.hasCommand = true
	if !es.hasConfirmed || cmd.Tick.After(es.confirmed.Tick) {
		es.intent = cmd
		es.hasIntent = true
	}

	return nil
}

// LastCommand returns the newest command tick applied from peer
func (e *Engine) LastCommand(peer PeerID) Tick {
	if id, ok := e.avatars[peer]; ok {
		if es, ok := e.world.entities[id]; ok {
			return es.lastCommand
		}
	}

	return 0
}

// SimulateLocal advances the local avatar by one command
func (e *Engine) SimulateLocal(cmd InputCommand) (EntitySnapshot, error) {
	id, ok := e.avatars[e.local]
	if !ok {
		return EntitySnapshot{}, ErrNotOwner
	}
	es := e.world.entities[id]

	s := e.sim.Step(es.predicted, cmd, e.dt)
	es.predicted = s
	es.confirmed = s
	es.lastApplied = s.Tick
	es.confirmedAt = e.tick

	return s, nil
}

// LocalSnapshot returns the current state of the local avatar
func (e *Engine) LocalSnapshot() (EntitySnapshot, bool) {
	id, ok := e.avatars[e.local]
	if !ok {
		return EntitySnapshot{}, false
	}

	return e.world.entities[id].predicted, true
}

func lerp(a, b mgl32.Vec3, k float32) mgl32.Vec3 {
	return a.Add(b.Sub(a).Mul(k))
}

// Advance moves the remote entities to the local tick:
// confirmed state is extrapolated along its velocity up to the horizon
// and earlier predictions are blended toward it over the correction window
func (e *Engine) Advance(tick Tick) {
	e.tick = tick

	for _, es := range e.world.entities {
		if es.local || !es.hasConfirmed {
			continue
		}

		elapsed := tick.Sub(es.confirmedAt)
		if elapsed < 0 {
			elapsed = 0
		}

		es.flags = 0
		ahead := elapsed
		if elapsed > e.horizon {
			es.flags |= FlagStale
			ahead = e.horizon
		}
		if elapsed > e.orphan {
			es.flags |= FlagOrphaned
		}

		vel := es.confirmed.Velocity
		if es.hasIntent {
			vel = e.sim.Velocity(es.confirmed, es.intent)
		}

		target := es.confirmed
		target.Tick = es.confirmed.Tick + Tick(ahead)
		target.Velocity = vel
		target.Position = es.confirmed.Position.Add(vel.Mul(float32(ahead) * e.dt))

		if es.blending && elapsed < e.correction {
			k := float32(elapsed) / float32(e.correction)
			target.Position = lerp(es.blendFrom.Position, target.Position, k)
			target.Orientation = mgl32.QuatSlerp(es.blendFrom.Orientation, target.Orientation, k)
		} else {
			es.blending = false
		}

		es.predicted = target
	}
}

// RemoveOwner drops every entity owned by peer together with
// its pending reconciliation state
func (e *Engine) RemoveOwner(peer PeerID) []EntityID {
	var r []EntityID
	for id, es := range e.world.entities {
		if es.owner == peer && !es.local {
			delete(e.world.entities, id)
			r = append(r, id)
		}
	}
	delete(e.avatars, peer)

	return r
}
