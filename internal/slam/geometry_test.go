package slam

import (
	"math"
	"testing"
)

const geomTol = 1e-9

func isometryAlmostEqual(t *testing.T, got, want Isometry, tol float64) {
	t.Helper()
	for i := range got.M {
		if math.Abs(got.M[i]-want.M[i]) > tol {
			t.Fatalf("matrix element %d: got %v want %v", i, got.M[i], want.M[i])
		}
	}
}

func TestIdentity(t *testing.T) {
	t.Parallel()
	id := Identity()
	x, y, z := id.Apply(1, 2, 3)
	if x != 1 || y != 2 || z != 3 {
		t.Fatalf("identity moved the point: (%v %v %v)", x, y, z)
	}
	if !id.IsIdentity(1e-12) {
		t.Fatal("identity not recognized")
	}
}

func TestAnglesRoundTrip(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		rx, ry, rz float64
	}{
		{"zero", 0, 0, 0},
		{"roll only", 0.3, 0, 0},
		{"pitch only", 0, -0.7, 0},
		{"yaw only", 0, 0, 2.1},
		{"combined", 0.2, -0.4, 1.3},
		{"large yaw", 0.1, 0.2, 3.0},
		{"negative", -0.5, 0.3, -2.2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			iso := NewIsometry(1, -2, 3, tc.rx, tc.ry, tc.rz)
			rx, ry, rz := iso.Angles()
			if math.Abs(rx-tc.rx) > 1e-9 || math.Abs(ry-tc.ry) > 1e-9 || math.Abs(rz-tc.rz) > 1e-9 {
				t.Fatalf("angles round trip: got (%v %v %v) want (%v %v %v)",
					rx, ry, rz, tc.rx, tc.ry, tc.rz)
			}
		})
	}
}

func TestMulInverse(t *testing.T) {
	t.Parallel()
	a := NewIsometry(1, 2, 3, 0.1, -0.2, 0.3)
	b := NewIsometry(-4, 0, 2, 0.5, 0.1, -1.0)

	// Composition matches sequential application.
	px, py, pz := 0.7, -1.1, 2.5
	bx, by, bz := b.Apply(px, py, pz)
	wantX, wantY, wantZ := a.Apply(bx, by, bz)
	gotX, gotY, gotZ := a.Mul(b).Apply(px, py, pz)
	if math.Abs(gotX-wantX) > geomTol || math.Abs(gotY-wantY) > geomTol || math.Abs(gotZ-wantZ) > geomTol {
		t.Fatalf("composition mismatch: got (%v %v %v) want (%v %v %v)",
			gotX, gotY, gotZ, wantX, wantY, wantZ)
	}

	isometryAlmostEqual(t, a.Mul(a.Inverse()), Identity(), 1e-12)
	isometryAlmostEqual(t, a.Inverse().Mul(a), Identity(), 1e-12)
}

func TestRotationAngle(t *testing.T) {
	t.Parallel()
	for _, angle := range []float64{0, 0.1, 1.0, math.Pi / 2, 3.0} {
		iso := NewIsometry(0, 0, 0, 0, 0, angle)
		if got := iso.RotationAngle(); math.Abs(got-angle) > 1e-9 {
			t.Errorf("yaw %v: rotation angle %v", angle, got)
		}
	}
}

func TestInterpolate(t *testing.T) {
	t.Parallel()
	a := NewIsometry(0, 0, 0, 0, 0, 0)
	b := NewIsometry(2, 4, -6, 0, 0, 1.0)

	t.Run("endpoints", func(t *testing.T) {
		t.Parallel()
		isometryAlmostEqual(t, a.Interpolate(b, 0), a, 1e-9)
		isometryAlmostEqual(t, a.Interpolate(b, 1), b, 1e-9)
	})

	t.Run("midpoint", func(t *testing.T) {
		t.Parallel()
		mid := a.Interpolate(b, 0.5)
		x, y, z := mid.Translation()
		if math.Abs(x-1) > 1e-9 || math.Abs(y-2) > 1e-9 || math.Abs(z+3) > 1e-9 {
			t.Fatalf("midpoint translation (%v %v %v)", x, y, z)
		}
		_, _, rz := mid.Angles()
		if math.Abs(rz-0.5) > 1e-9 {
			t.Fatalf("midpoint yaw %v, want 0.5", rz)
		}
	})

	t.Run("extrapolation", func(t *testing.T) {
		t.Parallel()
		ext := a.Interpolate(b, 2)
		x, _, _ := ext.Translation()
		if math.Abs(x-4) > 1e-9 {
			t.Fatalf("extrapolated x %v, want 4", x)
		}
		_, _, rz := ext.Angles()
		if math.Abs(rz-2.0) > 1e-6 {
			t.Fatalf("extrapolated yaw %v, want 2.0", rz)
		}
	})
}

func TestQuaternionRoundTrip(t *testing.T) {
	t.Parallel()
	for _, angles := range [][3]float64{
		{0, 0, 0},
		{0.4, -0.2, 1.1},
		{3.0, 0.1, -3.0},
		{0, 1.5, 0},
	} {
		iso := NewIsometry(0, 0, 0, angles[0], angles[1], angles[2])
		back := isometryFromQuat(iso.rotationQuat())
		isometryAlmostEqual(t, back, iso, 1e-9)
	}
}

func TestTransformRoundTrip(t *testing.T) {
	t.Parallel()
	iso := NewIsometry(1, 2, 3, 0.1, 0.2, 0.3)
	tr := NewTransform(iso, 42.5, "base", "world")
	if tr.Time != 42.5 || tr.FrameID != "base" || tr.ParentFrameID != "world" {
		t.Fatalf("header mismatch: %+v", tr)
	}
	isometryAlmostEqual(t, tr.Isometry(), iso, 1e-9)
}
