package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/tinytelemetry/beacon/internal/model"
)

// Default retention for series points.
const (
	DefaultSeriesRetention = 24 * time.Hour
	DefaultSeriesMaxPoints = 100_000
)

// SeriesStore keeps recent points per metric name. It is the metric source
// the alert engine evaluates rules against. Each series holds at most
// maxPoints points; once a series is full, reductions over a window only see
// its newest maxPoints points.
type SeriesStore struct {
	retention time.Duration
	maxPoints int
	now       func() time.Time

	mu     sync.RWMutex
	series map[string]*series
}

// series is a time-ordered slice whose live points start at head. Expired
// points only move head; the backing array is compacted once more than half
// of it is dead.
type series struct {
	pts  []model.Point
	head int
}

func (s *series) live() []model.Point { return s.pts[s.head:] }

func (s *series) insert(p model.Point) {
	i := len(s.pts)
	// Keep time order when points arrive slightly out of order.
	for i > s.head && s.pts[i-1].Timestamp.After(p.Timestamp) {
		i--
	}
	s.pts = append(s.pts, model.Point{})
	copy(s.pts[i+1:], s.pts[i:])
	s.pts[i] = p
}

func (s *series) dropBefore(cutoff time.Time, maxPoints int) {
	live := s.live()
	drop := sort.Search(len(live), func(i int) bool { return !live[i].Timestamp.Before(cutoff) })
	if over := len(live) - drop - maxPoints; over > 0 {
		drop += over
	}
	s.head += drop
	if s.head > len(s.pts)/2 {
		n := copy(s.pts, s.pts[s.head:])
		s.pts = s.pts[:n]
		s.head = 0
	}
}

// NewSeriesStore creates a store. Zero values use the defaults; now may be nil.
func NewSeriesStore(retention time.Duration, maxPoints int, now func() time.Time) *SeriesStore {
	if retention <= 0 {
		retention = DefaultSeriesRetention
	}
	if maxPoints <= 0 {
		maxPoints = DefaultSeriesMaxPoints
	}
	if now == nil {
		now = time.Now
	}
	return &SeriesStore{
		retention: retention,
		maxPoints: maxPoints,
		now:       now,
		series:    make(map[string]*series),
	}
}

// Append adds a point and drops points that fell out of retention or past
// the point cap.
func (s *SeriesStore) Append(name string, ts time.Time, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ser, ok := s.series[name]
	if !ok {
		ser = &series{}
		s.series[name] = ser
	}
	ser.insert(model.Point{Timestamp: ts, Value: value})
	ser.dropBefore(s.now().Add(-s.retention), s.maxPoints)
}

// Len returns the number of points held for name.
func (s *SeriesStore) Len(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ser, ok := s.series[name]; ok {
		return len(ser.live())
	}
	return 0
}

// Points returns the points of name within [start, end].
func (s *SeriesStore) Points(name string, start, end time.Time) []model.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ser, ok := s.series[name]
	if !ok {
		return nil
	}
	pts := ser.live()
	lo := sort.Search(len(pts), func(i int) bool { return !pts[i].Timestamp.Before(start) })
	hi := sort.Search(len(pts), func(i int) bool { return pts[i].Timestamp.After(end) })
	if lo >= hi {
		return nil
	}
	return append([]model.Point(nil), pts[lo:hi]...)
}

// Values returns the values of name within [now-window, now].
func (s *SeriesStore) Values(name string, window time.Duration) []float64 {
	end := s.now()
	pts := s.Points(name, end.Add(-window), end)
	out := make([]float64, len(pts))
	for i, p := range pts {
		out[i] = p.Value
	}
	return out
}

// Latest returns the most recent point of name.
func (s *SeriesStore) Latest(name string) (model.Point, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ser, ok := s.series[name]
	if !ok || len(ser.live()) == 0 {
		return model.Point{}, false
	}
	pts := ser.live()
	return pts[len(pts)-1], true
}

// Names lists the series names in order.
func (s *SeriesStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.series))
	for n := range s.series {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
