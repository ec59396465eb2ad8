package kdbush

import (
	"math"

	"github.com/paulmach/orb"
)

const DefaultNodeSize = 64

// Point is an indexed position, X is longitude and Y is latitude.
type Point[T any] struct {
	X, Y float64
	Data T
}

// KDBush is a static 2D index. It is built once and never modified, so it is
// safe for concurrent queries.
type KDBush[T any] struct {
	NodeSize int
	Points   []Point[T]

	idxs   []int     //array of indexes
	coords []float64 //array of coordinates
}

func NewBush[T any](points []Point[T], nodeSize int) *KDBush[T] {
	if nodeSize <= 0 {
		nodeSize = DefaultNodeSize
	}
	b := KDBush[T]{}
	b.buildIndex(points, nodeSize)
	return &b
}

func (bush *KDBush[T]) Len() int {
	return len(bush.Points)
}

// Range returns indices into Points of every point inside b, edges included.
// Order of the result is unspecified.
func (bush *KDBush[T]) Range(b orb.Bound) []int {
	minX, minY := b.Min.X(), b.Min.Y()
	maxX, maxY := b.Max.X(), b.Max.Y()

	stack := []int{0, len(bush.idxs) - 1, 0}
	result := []int{}
	var x, y float64

	for len(stack) > 0 {
		axis := stack[len(stack)-1]
		right := stack[len(stack)-2]
		left := stack[len(stack)-3]
		stack = stack[:len(stack)-3]

		if right-left <= bush.NodeSize {
			for i := left; i <= right; i++ {
				x = bush.coords[2*i]
				y = bush.coords[2*i+1]
				if x >= minX && x <= maxX && y >= minY && y <= maxY {
					result = append(result, bush.idxs[i])
				}
			}
			continue
		}

		m := (left + right) / 2

		x = bush.coords[2*m]
		y = bush.coords[2*m+1]

		if x >= minX && x <= maxX && y >= minY && y <= maxY {
			result = append(result, bush.idxs[m])
		}

		nextAxis := (axis + 1) % 2

		if (axis == 0 && minX <= x) || (axis != 0 && minY <= y) {
			stack = append(stack, left, m-1, nextAxis)
		}

		if (axis == 0 && maxX >= x) || (axis != 0 && maxY >= y) {
			stack = append(stack, m+1, right, nextAxis)
		}
	}
	return result
}

////////////////////////////////////////////////////////////////
/// Sorting stuff
////////////////////////////////////////////////////////////////

func (bush *KDBush[T]) buildIndex(points []Point[T], nodeSize int) {
	bush.NodeSize = nodeSize
	bush.Points = points

	bush.idxs = make([]int, len(points))
	bush.coords = make([]float64, 2*len(points))

	for i, v := range points {
		bush.idxs[i] = i
		bush.coords[i*2] = v.X
		bush.coords[i*2+1] = v.Y
	}

	sort(bush.idxs, bush.coords, bush.NodeSize, 0, len(bush.idxs)-1, 0)
}

func sort(idxs []int, coords []float64, nodeSize int, left, right, depth int) {
	if (right - left) <= nodeSize {
		return
	}

	m := (left + right) / 2

	sselect(idxs, coords, m, left, right, depth%2)

	sort(idxs, coords, nodeSize, left, m-1, depth+1)
	sort(idxs, coords, nodeSize, m+1, right, depth+1)
}

// sselect is Floyd-Rivest selection: it rearranges items so the k-th element
// along the axis is in place and smaller ones come before it.
func sselect(idxs []int, coords []float64, k, left, right, inc int) {
	for right > left {
		if (right - left) > 600 {
			n := right - left + 1
			m := k - left + 1
			z := math.Log(float64(n))
			s := 0.5 * math.Exp(2.0*z/3.0)
			sds := 1.0
			if float64(m)-float64(n)/2.0 < 0 {
				sds = -1.0
			}
			sd := 0.5 * math.Sqrt(z*s*(float64(n)-s)/float64(n)) * sds
			newLeft := max(left, floor(float64(k)-float64(m)*s/float64(n)+sd))
			newRight := min(right, floor(float64(k)+float64(n-m)*s/float64(n)+sd))
			sselect(idxs, coords, k, newLeft, newRight, inc)
		}

		t := coords[2*k+inc]
		i := left
		j := right

		swapItem(idxs, coords, left, k)
		if coords[2*right+inc] > t {
			swapItem(idxs, coords, left, right)
		}

		for i < j {
			swapItem(idxs, coords, i, j)
			i++
			j--
			for coords[2*i+inc] < t {
				i++
			}
			for coords[2*j+inc] > t {
				j--
			}
		}

		if coords[2*left+inc] == t {
			swapItem(idxs, coords, left, j)
		} else {
			j++
			swapItem(idxs, coords, j, right)
		}

		if j <= k {
			left = j + 1
		}
		if k <= j {
			right = j - 1
		}
	}
}

func swapItem(idxs []int, coords []float64, i, j int) {
	idxs[i], idxs[j] = idxs[j], idxs[i]
	coords[2*i], coords[2*j] = coords[2*j], coords[2*i]
	coords[2*i+1], coords[2*j+1] = coords[2*j+1], coords[2*i+1]
}

func floor(in float64) int {
	return int(math.Floor(in))
}
