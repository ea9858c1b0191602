package registration

import (
	"math"
	"sort"
	"testing"

	"github.com/banshee-data/slam.report/internal/slam"
)

// pseudoCloud generates a deterministic scatter of points.
func pseudoCloud(n int) []slam.Point {
	pts := make([]slam.Point, n)
	state := uint64(12345)
	next := func() float64 {
		state = state*6364136223846793005 + 1442695040888963407
		return float64(state>>40) / float64(1<<24) * 20 - 10
	}
	for i := range pts {
		pts[i] = slam.Point{X: next(), Y: next(), Z: next()}
	}
	return pts
}

func bruteKNN(pts []slam.Point, x, y, z float64, k int) []int {
	type cand struct {
		id int
		d  float64
	}
	cands := make([]cand, len(pts))
	for i, p := range pts {
		dx, dy, dz := p.X-x, p.Y-y, p.Z-z
		cands[i] = cand{i, dx*dx + dy*dy + dz*dz}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].d < cands[j].d })
	if k > len(cands) {
		k = len(cands)
	}
	out := make([]int, k)
	for i := 0; i < k; i++ {
		out[i] = cands[i].id
	}
	return out
}

func TestKNearestMatchesBruteForce(t *testing.T) {
	t.Parallel()
	pts := pseudoCloud(300)
	tree := BuildKDTree(pts)
	if tree.Len() != 300 {
		t.Fatalf("tree len %d", tree.Len())
	}

	queries := [][3]float64{{0, 0, 0}, {5, -3, 2}, {-9.5, 9.5, 0.1}, {100, 100, 100}}
	for _, q := range queries {
		ids, dists := tree.KNearest(q[0], q[1], q[2], 8)
		want := bruteKNN(pts, q[0], q[1], q[2], 8)
		if len(ids) != len(want) {
			t.Fatalf("query %v: got %d ids, want %d", q, len(ids), len(want))
		}
		for i := range ids {
			// Compare by distance (ties may reorder ids).
			p := pts[ids[i]]
			w := pts[want[i]]
			dGot := (p.X-q[0])*(p.X-q[0]) + (p.Y-q[1])*(p.Y-q[1]) + (p.Z-q[2])*(p.Z-q[2])
			dWant := (w.X-q[0])*(w.X-q[0]) + (w.Y-q[1])*(w.Y-q[1]) + (w.Z-q[2])*(w.Z-q[2])
			if math.Abs(dGot-dWant) > 1e-9 {
				t.Fatalf("query %v neighbor %d: dist %v want %v", q, i, dGot, dWant)
			}
			if math.Abs(dists[i]-dGot) > 1e-9 {
				t.Fatalf("reported distance %v, recomputed %v", dists[i], dGot)
			}
		}
		if !sort.Float64sAreSorted(dists) {
			t.Fatalf("distances not ascending: %v", dists)
		}
	}
}

func TestKNearestBounds(t *testing.T) {
	t.Parallel()
	pts := pseudoCloud(5)
	tree := BuildKDTree(pts)

	ids, _ := tree.KNearest(0, 0, 0, 50)
	if len(ids) != 5 {
		t.Fatalf("k beyond size: got %d", len(ids))
	}
	ids, _ = tree.KNearest(0, 0, 0, 0)
	if len(ids) != 0 {
		t.Fatalf("k=0: got %d", len(ids))
	}

	var nilTree *KDTree
	if nilTree.Len() != 0 {
		t.Fatal("nil tree length")
	}
	ids, _ = nilTree.KNearest(0, 0, 0, 3)
	if ids != nil {
		t.Fatal("nil tree query returned ids")
	}
	if BuildKDTree(nil) != nil {
		t.Fatal("empty build should return nil")
	}
}
