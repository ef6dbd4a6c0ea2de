package core

import (
	"math"
	"testing"
	"time"

	"github.com/signalsfoundry/cubesat-testbed/internal/config"
	"github.com/signalsfoundry/cubesat-testbed/model"
)

func issTLE() config.TLEConfig {
	return config.TLEConfig{
		Name:  "ISS (ZARYA)",
		Line1: "1 25544U 98067A   21275.59097222  .00000204  00000-0  10270-4 0  9990",
		Line2: "2 25544  51.6459 115.9059 0001817  61.3028  35.9198 15.49370953257760",
	}
}

func testEpoch() time.Time {
	return time.Date(2021, time.October, 2, 12, 0, 0, 0, time.UTC)
}

func TestOrbitPropagateReturnsLEOState(t *testing.T) {
	om, err := NewOrbitModule(issTLE(), testEpoch())
	if err != nil {
		t.Fatalf("NewOrbitModule failed: %v", err)
	}

	state := om.Propagate(0)
	r := state.PositionKm.Norm()
	if r < 6500 || r > 7100 {
		t.Fatalf("|r| = %v km, want LEO altitude", r)
	}
	v := state.VelocityKmS.Norm()
	if v < 7 || v > 8.5 {
		t.Fatalf("|v| = %v km/s, want orbital speed", v)
	}
}

func TestOrbitPropagationAdvances(t *testing.T) {
	om, err := NewOrbitModule(issTLE(), testEpoch())
	if err != nil {
		t.Fatalf("NewOrbitModule failed: %v", err)
	}

	a := om.Propagate(0)
	b := om.Propagate(60)
	moved := b.PositionKm.Sub(a.PositionKm).Norm()
	// ~7.6 km/s for 60 s is roughly 450 km of track.
	if moved < 300 || moved > 600 {
		t.Fatalf("moved %v km in 60s, want a plausible arc", moved)
	}
}

func TestOrbitPropagateDeterministic(t *testing.T) {
	om, err := NewOrbitModule(issTLE(), testEpoch())
	if err != nil {
		t.Fatalf("NewOrbitModule failed: %v", err)
	}

	a := om.Propagate(123.5)
	b := om.Propagate(123.5)
	if a != b {
		t.Fatalf("propagation not deterministic: %+v vs %+v", a, b)
	}
}

func TestOrbitRejectsMalformedTLE(t *testing.T) {
	bad := config.TLEConfig{Name: "junk", Line1: "1 garbage", Line2: "2 garbage"}
	if _, err := NewOrbitModule(bad, testEpoch()); err == nil {
		t.Fatal("expected error for malformed TLE")
	}
}

func TestSunlitGeometry(t *testing.T) {
	sun := model.Vec3{X: 1}
	cases := []struct {
		name string
		pos  model.Vec3
		want bool
	}{
		{"sun side", model.Vec3{X: 7000}, true},
		{"deep shadow", model.Vec3{X: -7000}, false},
		{"anti-sun but outside cylinder", model.Vec3{X: -7000, Y: 7000}, true},
		{"terminator", model.Vec3{Y: 7000}, true},
		{"just inside shadow", model.Vec3{X: -7000, Y: earthRadiusKm - 1}, false},
	}
	for _, tc := range cases {
		if got := sunlit(tc.pos, sun); got != tc.want {
			t.Fatalf("%s: sunlit = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSunDirectionIsUnit(t *testing.T) {
	// J2000.0 noon.
	jd := 2451545.0
	dir := sunDirection(jd)
	if math.Abs(dir.Norm()-1) > 1e-9 {
		t.Fatalf("|sun| = %v, want unit vector", dir.Norm())
	}
	// Early January: the Sun sits near ecliptic longitude 280 degrees,
	// so X is positive-ish and the declination is strongly negative.
	if dir.Z >= 0 {
		t.Fatalf("sun Z = %v, want negative declination in January", dir.Z)
	}
}

func TestTargetECIMagnitude(t *testing.T) {
	om, err := NewOrbitModule(issTLE(), testEpoch())
	if err != nil {
		t.Fatalf("NewOrbitModule failed: %v", err)
	}

	eci := om.TargetECI(model.GroundTarget{LatDeg: 45, LonDeg: 10}, 0)
	r := eci.Norm()
	if r < 6300 || r > 6400 {
		t.Fatalf("|target| = %v km, want near Earth's surface", r)
	}
}
