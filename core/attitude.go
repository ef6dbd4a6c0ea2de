package core

import (
	"math"

	"github.com/signalsfoundry/cubesat-testbed/internal/config"
	"github.com/signalsfoundry/cubesat-testbed/model"
)

// AttitudeModule is a kinematic pointing model: the boresight slews
// toward its commanded direction at a bounded rate. Rigid-body dynamics
// and disturbance torques are deliberately out of scope.
type AttitudeModule struct {
	maxSlewRad float64 // per sim second
}

// NewAttitudeModule builds the module from validated configuration.
func NewAttitudeModule(cfg config.AttitudeConfig) *AttitudeModule {
	return &AttitudeModule{maxSlewRad: cfg.MaxSlewRateDegS * math.Pi / 180}
}

// boresight is the body axis the camera looks along.
var boresight = model.Vec3{Z: 1}

// Update advances the orientation by one tick. With no pointing target
// the boresight tracks nadir; with a target it tracks the line of sight
// to the target. targetECI is nil for nadir pointing.
func (a *AttitudeModule) Update(prior model.AttitudeState, orbit model.OrbitState, targetECI *model.Vec3, taskID string, dt float64) model.AttitudeState {
	var desiredDir model.Vec3
	pointingID := ""
	if targetECI != nil {
		desiredDir = targetECI.Sub(orbit.PositionKm).Unit()
		pointingID = taskID
	} else {
		desiredDir = orbit.PositionKm.Scale(-1).Unit()
	}

	desired := model.QuaternionBetween(boresight, desiredDir)

	current := prior.Orientation.Normalize()
	angle := angleBetween(current, desired)

	next := desired
	if maxStep := a.maxSlewRad * dt; angle > maxStep && angle > 0 {
		next = model.Slerp(current, desired, maxStep/angle)
	}

	return model.AttitudeState{
		Orientation:    next,
		PointingTaskID: pointingID,
	}
}

// angleBetween returns the rotation angle in radians separating two
// unit quaternions.
func angleBetween(q, o model.Quaternion) float64 {
	d := math.Abs(q.Dot(o))
	if d > 1 {
		d = 1
	}
	return 2 * math.Acos(d)
}
