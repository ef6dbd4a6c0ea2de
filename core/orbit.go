package core

import (
	"fmt"
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/signalsfoundry/cubesat-testbed/internal/config"
	"github.com/signalsfoundry/cubesat-testbed/model"
)

// earthRadiusKm is the equatorial radius used by the cylindrical
// shadow model.
const earthRadiusKm = 6378.137

// OrbitModule answers "where is the satellite at this sim time" using
// SGP4 propagation from a configured TLE. The propagation math itself
// is a black box supplied by go-satellite.
type OrbitModule struct {
	sat   satellite.Satellite
	epoch time.Time
}

// NewOrbitModule parses the TLE and prepares the propagator. A
// malformed TLE is a startup-fatal error; go-satellite panics on bad
// input, so the parse is fenced here and surfaced as an error.
func NewOrbitModule(tle config.TLEConfig, epoch time.Time) (om *OrbitModule, err error) {
	defer func() {
		if r := recover(); r != nil {
			om = nil
			err = fmt.Errorf("orbit: parse TLE for %q: %v", tle.Name, r)
		}
	}()

	sat := satellite.TLEToSat(tle.Line1, tle.Line2, satellite.GravityWGS72)
	return &OrbitModule{sat: sat, epoch: epoch.UTC()}, nil
}

// Propagate returns the orbital state at simTime seconds past the
// mission epoch. Position and velocity are TEME km and km/s; Sunlit
// comes from the shadow geometry at the same instant.
func (o *OrbitModule) Propagate(simTime float64) model.OrbitState {
	t := o.timeAt(simTime)
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	pos, vel := satellite.Propagate(o.sat, year, int(month), day, hour, min, sec)
	jd := satellite.JDay(year, int(month), day, hour, min, sec)

	position := model.Vec3{X: pos.X, Y: pos.Y, Z: pos.Z}
	return model.OrbitState{
		PositionKm:  position,
		VelocityKmS: model.Vec3{X: vel.X, Y: vel.Y, Z: vel.Z},
		Sunlit:      sunlit(position, sunDirection(jd)),
	}
}

// TargetECI converts a ground target to inertial coordinates at
// simTime, for pointing computations.
func (o *OrbitModule) TargetECI(target model.GroundTarget, simTime float64) model.Vec3 {
	t := o.timeAt(simTime)
	year, month, day := t.Date()
	hour, min, sec := t.Clock()
	jd := satellite.JDay(year, int(month), day, hour, min, sec)

	pos := satellite.LLAToECI(satellite.LatLong{
		Latitude:  target.LatDeg * math.Pi / 180,
		Longitude: target.LonDeg * math.Pi / 180,
	}, 0, jd)
	return model.Vec3{X: pos.X, Y: pos.Y, Z: pos.Z}
}

func (o *OrbitModule) timeAt(simTime float64) time.Time {
	return o.epoch.Add(time.Duration(simTime * float64(time.Second)))
}

// sunDirection returns the unit vector from Earth's centre to the Sun
// in equatorial coordinates, using the low-precision ephemeris from the
// Astronomical Almanac (accurate to ~0.01 degrees, ample for eclipse
// geometry).
func sunDirection(jd float64) model.Vec3 {
	const d2r = math.Pi / 180

	n := jd - 2451545.0
	meanLon := math.Mod(280.460+0.9856474*n, 360)
	meanAnom := math.Mod(357.528+0.9856003*n, 360) * d2r
	eclipticLon := (meanLon+1.915*math.Sin(meanAnom)+0.020*math.Sin(2*meanAnom)) * d2r
	obliquity := (23.439 - 0.0000004*n) * d2r

	return model.Vec3{
		X: math.Cos(eclipticLon),
		Y: math.Cos(obliquity) * math.Sin(eclipticLon),
		Z: math.Sin(obliquity) * math.Sin(eclipticLon),
	}
}

// sunlit applies a cylindrical Earth-shadow model: the satellite is
// eclipsed when it is on the anti-sun side and within one Earth radius
// of the shadow axis.
func sunlit(posKm, sunDir model.Vec3) bool {
	along := posKm.Dot(sunDir)
	if along >= 0 {
		return true
	}
	perp := posKm.Sub(sunDir.Scale(along))
	return perp.Norm() > earthRadiusKm
}
