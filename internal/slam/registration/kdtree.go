package registration

import (
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/banshee-data/slam.report/internal/slam"
)

// indexedPoint is a 3D position carrying the index of the source point it
// was built from, so query results can be mapped back to keypoints.
type indexedPoint struct {
	x, y, z float64
	id      int
}

func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(indexedPoint)
	switch d {
	case 0:
		return p.x - q.x
	case 1:
		return p.y - q.y
	default:
		return p.z - q.z
	}
}

func (p indexedPoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance, the metric the tree
// orders neighbors by.
func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(indexedPoint)
	dx, dy, dz := p.x-q.x, p.y-q.y, p.z-q.z
	return dx*dx + dy*dy + dz*dz
}

// indexedPoints implements kdtree.Interface for tree construction.
type indexedPoints []indexedPoint

func (p indexedPoints) Index(i int) kdtree.Comparable        { return p[i] }
func (p indexedPoints) Len() int                             { return len(p) }
func (p indexedPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }
func (p indexedPoints) Pivot(d kdtree.Dim) int {
	return plane{Dim: d, points: p}.Pivot()
}

// plane sorts indexedPoints along a dimension for pivot selection.
type plane struct {
	kdtree.Dim
	points indexedPoints
}

func (p plane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.points[i].x < p.points[j].x
	case 1:
		return p.points[i].y < p.points[j].y
	default:
		return p.points[i].z < p.points[j].z
	}
}
func (p plane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.points = p.points[start:end]
	return p
}
func (p plane) Swap(i, j int) {
	p.points[i], p.points[j] = p.points[j], p.points[i]
}
func (p plane) Len() int { return len(p.points) }

// KDTree is a k-d tree over a point cloud, rebuilt each frame and discarded
// when the frame completes.
type KDTree struct {
	tree *kdtree.Tree
	n    int
}

// BuildKDTree indexes the given points. A nil return means there is nothing
// to query.
func BuildKDTree(points []slam.Point) *KDTree {
	if len(points) == 0 {
		return nil
	}
	data := make(indexedPoints, len(points))
	for i, p := range points {
		data[i] = indexedPoint{x: p.X, y: p.Y, z: p.Z, id: i}
	}
	return &KDTree{tree: kdtree.New(data, false), n: len(points)}
}

// Len returns the number of indexed points.
func (t *KDTree) Len() int {
	if t == nil {
		return 0
	}
	return t.n
}

// KNearest returns the indices and squared distances of the k points
// nearest to (x, y, z), ordered by ascending distance.
func (t *KDTree) KNearest(x, y, z float64, k int) (ids []int, sqDists []float64) {
	if t == nil || k <= 0 {
		return nil, nil
	}
	if k > t.n {
		k = t.n
	}
	keep := kdtree.NewNKeeper(k)
	t.tree.NearestSet(keep, indexedPoint{x: x, y: y, z: z, id: -1})
	type hit struct {
		id int
		d  float64
	}
	hits := make([]hit, 0, k)
	for _, c := range keep.Heap {
		if c.Comparable == nil {
			continue
		}
		hits = append(hits, hit{id: c.Comparable.(indexedPoint).id, d: c.Dist})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].d < hits[j].d })
	ids = make([]int, len(hits))
	sqDists = make([]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.id
		sqDists[i] = h.d
	}
	return ids, sqDists
}
