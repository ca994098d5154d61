package netsync

import "github.com/go-gl/mathgl/mgl32"

// A Simulator advances an entity by one input command
type Simulator interface {
	// Step returns s advanced by dt seconds under cmd
	Step(s EntitySnapshot, cmd InputCommand, dt float32) EntitySnapshot

	// Velocity returns the velocity cmd asks for in state s
	Velocity(s EntitySnapshot, cmd InputCommand) mgl32.Vec3
}

var (
	up      = mgl32.Vec3{0, 1, 0}
	right   = mgl32.Vec3{1, 0, 0}
	forward = mgl32.Vec3{0, 0, -1}
)

// Kinematics is a minimal first-person movement model
// on a flat floor at y = 0
type Kinematics struct {
	Speed       float32
	JumpSpeed   float32
	Gravity     float32
	Sensitivity float32
	Magazine    uint16
}

// DefaultKinematics returns the movement model used when none is configured
func DefaultKinematics() Kinematics {
	return Kinematics{
		Speed:       5,
		JumpSpeed:   5,
		Gravity:     9.81,
		Sensitivity: 0.002,
		Magazine:    30,
	}
}

func (k Kinematics) Velocity(s EntitySnapshot, cmd InputCommand) mgl32.Vec3 {
	fwd := s.Orientation.Rotate(forward)
	fwd[1] = 0
	if fwd.Len() < 1e-6 {
		fwd = forward
	}
	fwd = fwd.Normalize()
	side := fwd.Cross(up)

	m := cmd.Movement
	if l := m.Len(); l > 1 {
		m = m.Mul(1 / l)
	}

	v := side.Mul(m[0]).Add(fwd.Mul(m[1])).Mul(k.Speed)
	v[1] = s.Velocity[1]
	return v
}

func (k Kinematics) Step(s EntitySnapshot, cmd InputCommand, dt float32) EntitySnapshot {
	yaw := mgl32.QuatRotate(-cmd.LookDelta[0]*k.Sensitivity, up)
	pitch := mgl32.QuatRotate(-cmd.LookDelta[1]*k.Sensitivity, right)
	s.Orientation = yaw.Mul(s.Orientation).Mul(pitch).Normalize()

	s.Velocity = k.Velocity(s, cmd)
	grounded := s.Position[1] <= 0
	if grounded && cmd.Actions.Has(ActionJump) {
		s.Velocity[1] = k.JumpSpeed
	} else if !grounded {
		s.Velocity[1] -= k.Gravity * dt
	}

	s.Position = s.Position.Add(s.Velocity.Mul(dt))
	if s.Position[1] < 0 {
		s.Position[1] = 0
		s.Velocity[1] = 0
	}

	switch {
	case cmd.Actions.Has(ActionReload):
		s.Weapon.Ammo = k.Magazine
	case cmd.Actions.Has(ActionFire) && s.Weapon.Ammo > 0:
		s.Weapon.Ammo--
	}

	s.Tick = cmd.Tick
	return s
}
