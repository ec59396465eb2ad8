package surface

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/paulmach/orb"
	"github.com/royalcat/geocluster/geomodel"
	"github.com/royalcat/geocluster/popupcache"
	"github.com/royalcat/geocluster/reconciler"
	"github.com/tidwall/qtree"
)

var (
	ErrNotReady      = errors.New("surface: not ready")
	ErrUnknownHandle = errors.New("surface: unknown handle")
)

type Handle uint64

type ObjectKind uint8

const (
	ObjectMarker ObjectKind = iota
	ObjectOverlay
)

// Object is a drawn marker or detail overlay.
type Object struct {
	Handle     Handle              `json:"handle"`
	Kind       ObjectKind          `json:"-"`
	Marker     geomodel.Marker     `json:"marker"`
	Coordinate geomodel.Coordinate `json:"coordinate"`
	Payload    *popupcache.Payload `json:"payload,omitempty"`
}

// Counters tallies the successful calls made on a surface.
type Counters struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Destroyed int `json:"destroyed"`
	Overlays  int `json:"overlays"`
	Fits      int `json:"fits"`
}

type Fit struct {
	Bound   orb.Bound
	Options reconciler.FitOptions
}

type object struct {
	Object
	onActivate func()
}

var _ reconciler.Surface[Handle] = (*Memory)(nil)

// Memory is a headless surface. It keeps drawn objects in memory with a
// quadtree over marker positions, and is what server sessions and tests
// render to.
type Memory struct {
	mu       sync.Mutex
	ready    bool
	nextID   Handle
	objects  map[Handle]*object
	counters Counters
	fits     []Fit

	// rebuilt on query after any marker change
	qt    qtree.QTree
	dirty bool
}

func NewMemory() *Memory {
	return &Memory{
		ready:   true,
		objects: map[Handle]*object{},
	}
}

// SetReady toggles whether the surface accepts new objects. A surface that
// is not ready fails creation and fitting with ErrNotReady.
func (m *Memory) SetReady(ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = ready
}

func (m *Memory) CreateMarkerHandle(marker geomodel.Marker, onActivate func()) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ready {
		return 0, ErrNotReady
	}

	h := m.add(Object{
		Kind:       ObjectMarker,
		Marker:     marker,
		Coordinate: marker.Coordinate(),
	}, onActivate)
	m.counters.Created++
	m.dirty = true
	return h, nil
}

func (m *Memory) UpdateHandle(h Handle, c geomodel.Coordinate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.objects[h]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	o.Coordinate = c
	if o.Kind == ObjectMarker {
		o.Marker.Lat, o.Marker.Lon = c.Lat, c.Lon
		m.dirty = true
	}
	m.counters.Updated++
	return nil
}

func (m *Memory) DestroyHandle(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.objects[h]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	delete(m.objects, h)
	if o.Kind == ObjectMarker {
		m.dirty = true
	}
	m.counters.Destroyed++
	return nil
}

func (m *Memory) CreateDetailOverlay(c geomodel.Coordinate, payload popupcache.Payload) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ready {
		return 0, ErrNotReady
	}
	h := m.add(Object{
		Kind:       ObjectOverlay,
		Coordinate: c,
		Payload:    &payload,
	}, nil)
	m.counters.Overlays++
	return h, nil
}

func (m *Memory) FitRegion(bound orb.Bound, opts reconciler.FitOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ready {
		return ErrNotReady
	}
	m.fits = append(m.fits, Fit{Bound: bound, Options: opts})
	m.counters.Fits++
	return nil
}

func (m *Memory) add(obj Object, onActivate func()) Handle {
	m.nextID++
	obj.Handle = m.nextID
	m.objects[obj.Handle] = &object{Object: obj, onActivate: onActivate}
	return obj.Handle
}

// Activate simulates a user interaction with the marker behind h. It
// reports whether h is a live marker.
func (m *Memory) Activate(h Handle) bool {
	m.mu.Lock()
	o, ok := m.objects[h]
	var fn func()
	if ok && o.Kind == ObjectMarker {
		fn = o.onActivate
	}
	m.mu.Unlock()

	if fn == nil {
		return false
	}
	fn()
	return true
}

// Markers returns the drawn markers ordered by handle.
func (m *Memory) Markers() []Object {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Object, 0, len(m.objects))
	for _, h := range slices.Sorted(maps.Keys(m.objects)) {
		if o := m.objects[h]; o.Kind == ObjectMarker {
			out = append(out, o.Object)
		}
	}
	return out
}

// Overlay returns the open detail overlay, if any.
func (m *Memory) Overlay() (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range m.objects {
		if o.Kind == ObjectOverlay {
			return o.Object, true
		}
	}
	return Object{}, false
}

// Within returns the drawn markers inside bound, ordered by handle.
func (m *Memory) Within(bound orb.Bound) []Object {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dirty {
		m.rebuild()
	}

	var out []Object
	m.qt.Search(bound.Min, bound.Max, func(_, _ [2]float64, data interface{}) bool {
		if o, ok := m.objects[data.(Handle)]; ok {
			out = append(out, o.Object)
		}
		return true
	})
	slices.SortFunc(out, func(a, b Object) int {
		return cmp.Compare(a.Handle, b.Handle)
	})
	return out
}

func (m *Memory) rebuild() {
	m.qt = qtree.QTree{}
	for h, o := range m.objects {
		if o.Kind != ObjectMarker {
			continue
		}
		p := o.Coordinate.Point()
		m.qt.Insert(p, p, h)
	}
	m.dirty = false
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, o := range m.objects {
		if o.Kind == ObjectMarker {
			n++
		}
	}
	return n
}

func (m *Memory) Counters() Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters
}

func (m *Memory) Fits() []Fit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.fits)
}
