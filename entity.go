package netsync

import "github.com/go-gl/mathgl/mgl32"

// An EntityID names a replicated entity
type EntityID uint32

// WeaponType is carried on the wire as a single byte
type WeaponType uint8

const (
	WeaponNone WeaponType = iota
	WeaponPistol
	WeaponRifle
	WeaponShotgun
)

// WeaponState is the weapon currently held and its loaded ammo
type WeaponState struct {
	Type WeaponType
	Ammo uint16
}

// An EntitySnapshot is a full authoritative sample of one entity at one tick
type EntitySnapshot struct {
	Entity      EntityID
	Tick        Tick
	Position    mgl32.Vec3
	Orientation mgl32.Quat
	Velocity    mgl32.Vec3
	Health      uint16
	Weapon      WeaponState
}

// Action is a bitmask of discrete player actions
type Action uint8

const (
	ActionFire Action = 1 << iota
	ActionJump
	ActionReload
)

// Has reports whether all bits of b are set in a
func (a Action) Has(b Action) bool { return a&b == b }

// An InputCommand is one tick of player input.
// Only the owner of an entity produces commands for it.
type InputCommand struct {
	Tick      Tick
	Movement  mgl32.Vec2
	LookDelta mgl32.Vec2
	Actions   Action
}
