package rollinggrid

import (
	"math"
	"testing"

	"github.com/banshee-data/slam.report/internal/slam"
)

func mkPoint(x, y, z float64) slam.Point {
	return slam.Point{X: x, Y: y, Z: z, Intensity: 50}
}

func TestAddAndWindowBound(t *testing.T) {
	t.Parallel()
	g := New(10, 2.0, 0.1) // 20 m window centered on the origin
	g.Add([]slam.Point{
		mkPoint(0, 0, 0),
		mkPoint(5, 5, 5),
		mkPoint(-9, 3, -2),
		mkPoint(500, 0, 0), // outside the window: dropped
	})
	if g.NbPoints() != 3 {
		t.Fatalf("NbPoints = %d, want 3", g.NbPoints())
	}

	// Every stored point lies within the window extent.
	half := float64(g.Size()) * g.Resolution() / 2
	for _, p := range g.Points() {
		for _, v := range []float64{p.X, p.Y, p.Z} {
			if math.Abs(v) > half+g.Resolution() {
				t.Fatalf("point %+v escapes the window (half=%v)", p, half)
			}
		}
	}
}

func TestCenterEvictsMonotonically(t *testing.T) {
	t.Parallel()
	g := New(10, 2.0, 0.1)
	g.Add([]slam.Point{mkPoint(-8, 0, 0), mkPoint(8, 0, 0)})
	if g.NbPoints() != 2 {
		t.Fatalf("setup: NbPoints = %d", g.NbPoints())
	}

	// Move the window along +x: the -x point must be evicted, the +x one
	// stays.
	g.Center(12, 0, 0)
	pts := g.Points()
	if len(pts) != 1 || pts[0].X != 8 {
		t.Fatalf("after shift: %+v", pts)
	}

	// Moving back does not resurrect it.
	g.Center(0, 0, 0)
	for _, p := range g.Points() {
		if p.X < 0 {
			t.Fatalf("eviction not monotone: %+v", p)
		}
	}
}

func TestLeafDownsampling(t *testing.T) {
	t.Parallel()
	g := New(10, 2.0, 0.5)
	// Twenty points inside one leaf cell collapse to one representative.
	var pts []slam.Point
	for i := 0; i < 20; i++ {
		pts = append(pts, mkPoint(0.2+float64(i)*0.001, 0.2, 0.2))
	}
	g.Add(pts)
	if g.NbPoints() != 1 {
		t.Fatalf("NbPoints = %d, want 1 after leaf downsampling", g.NbPoints())
	}
	rep := g.Points()[0]
	if rep.X < 0.2 || rep.X > 0.22 {
		t.Fatalf("representative not at centroid: %+v", rep)
	}

	// Points in distinct leaf cells survive individually.
	g2 := New(10, 2.0, 0.5)
	g2.Add([]slam.Point{mkPoint(0.1, 0.1, 0.1), mkPoint(0.8, 0.1, 0.1), mkPoint(1.6, 0.1, 0.1)})
	if g2.NbPoints() != 3 {
		t.Fatalf("NbPoints = %d, want 3", g2.NbPoints())
	}
}

func TestRadiusNeighbors(t *testing.T) {
	t.Parallel()
	g := New(20, 1.0, 0.05)
	g.Add([]slam.Point{
		mkPoint(0, 0, 0),
		mkPoint(0.5, 0, 0),
		mkPoint(0, 0.9, 0),
		mkPoint(3, 0, 0),
	})
	got := g.RadiusNeighbors(0, 0, 0, 1.0)
	if len(got) != 3 {
		t.Fatalf("radius query returned %d points, want 3", len(got))
	}
	for _, p := range got {
		if p.Range() > 1.0+1e-9 {
			t.Fatalf("point outside radius: %+v", p)
		}
	}
}

func TestPointsInBox(t *testing.T) {
	t.Parallel()
	g := New(20, 1.0, 0.05)
	g.Add([]slam.Point{mkPoint(1, 1, 1), mkPoint(4, 4, 4), mkPoint(-2, 0, 0)})
	got := g.PointsInBox([3]float64{0, 0, 0}, [3]float64{2, 2, 2})
	if len(got) != 1 || got[0].X != 1 {
		t.Fatalf("box query = %+v", got)
	}
}

func TestClear(t *testing.T) {
	t.Parallel()
	g := New(10, 2.0, 0.1)
	g.Add([]slam.Point{mkPoint(1, 1, 1)})
	g.Clear()
	if g.NbPoints() != 0 || len(g.Points()) != 0 {
		t.Fatal("clear left points behind")
	}
	// The grid stays usable after clearing.
	g.Add([]slam.Point{mkPoint(2, 2, 2)})
	if g.NbPoints() != 1 {
		t.Fatal("grid unusable after clear")
	}
}
