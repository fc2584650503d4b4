// Package cluster groups signals into spatiotemporal clusters, one per
// disaster-event hypothesis.
//
// Open clusters live in an arena bucketed by a coarse lat/lng grid cell of
// their centroid. A signal locks its own cell plus every neighboring cell
// the match radius could reach, always in sorted key order, so two signals
// racing to join or create clusters for the same event linearize while
// appends to far-apart clusters proceed in parallel. The city hint is
// metadata, not routing: a hinted and a hint-less signal at the same
// coordinates meet in the same cells.
package cluster

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/disaster-incident-service/internal/domain"
	"github.com/couchcryptid/disaster-incident-service/internal/observability"
)

// Config holds the clustering policy knobs.
type Config struct {
	RadiusKM   float64
	IdleWindow time.Duration
}

const (
	cellDeg = 0.1  // grid cell edge in degrees
	cellKM  = 11.1 // cell edge in km of latitude
)

// openCluster is the mutable arena entry behind a domain.Cluster snapshot.
type openCluster struct {
	c            domain.Cluster
	latSum       float64
	lngSum       float64
	lastActivity time.Time // wall-clock arrival of the newest member
}

type bucket struct {
	mu       sync.Mutex
	clusters map[string]*openCluster
}

// Clusterer assigns each signal to an existing open cluster or opens a new
// one.
type Clusterer struct {
	cfg     Config
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.RWMutex
	buckets map[string]*bucket
	index   map[string]string // cluster id -> bucket key, open clusters only
}

// New creates a Clusterer.
func New(cfg Config, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Clusterer {
	return &Clusterer{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
		buckets: make(map[string]*bucket),
		index:   make(map[string]string),
	}
}

// Assign places the signal into a matching open cluster, or opens a new one
// with the signal as sole founding member. It returns a snapshot of the
// cluster after the mutation and whether the cluster is new. Reassigning a
// signal that already belongs to a cluster is a no-op returning that
// cluster, so redelivered messages cannot skew a centroid.
//
// Signals that fail validation are rejected with an InvalidSignalError:
// ambiguity about location must never corrupt a centroid.
func (cl *Clusterer) Assign(sig domain.Signal) (domain.Cluster, bool, error) {
	if err := sig.Validate(); err != nil {
		return domain.Cluster{}, false, err
	}

	keys := cl.neighborhood(sig.Geo)
	buckets := cl.bucketsFor(keys)
	for _, b := range buckets {
		b.mu.Lock()
	}
	defer func() {
		for i := len(buckets) - 1; i >= 0; i-- {
			buckets[i].mu.Unlock()
		}
	}()

	for _, b := range buckets {
		for _, oc := range b.clusters {
			if slices.Contains(oc.c.SignalIDs, sig.ID) {
				return snapshot(oc), false, nil
			}
		}
	}

	if oc := cl.match(buckets, sig); oc != nil {
		cl.join(oc, sig)
		cl.rehome(oc, keys, buckets)
		return snapshot(oc), false, nil
	}

	home := cellOf(sig.Geo)
	oc := cl.open(buckets[slices.Index(keys, home)], home, sig)
	cl.metrics.ClustersOpened.Inc()
	cl.logger.Debug("cluster opened",
		"cluster_id", oc.c.ID, "city", oc.c.City, "signal_id", sig.ID)
	return snapshot(oc), true, nil
}

// match finds the best open cluster for the signal across the locked
// buckets. Ties break by nearest centroid, then earliest cluster.
func (cl *Clusterer) match(buckets []*bucket, sig domain.Signal) *openCluster {
	type candidate struct {
		oc   *openCluster
		dist float64
	}
	var candidates []candidate

	for _, b := range buckets {
		for _, oc := range b.clusters {
			if !cl.timeCompatible(oc, sig) || !eventTypeCompatible(oc, sig) {
				continue
			}
			if d := HaversineKM(oc.c.Centroid, sig.Geo); d <= cl.cfg.RadiusKM {
				candidates = append(candidates, candidate{oc: oc, dist: d})
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		if !candidates[i].oc.c.TimeStart.Equal(candidates[j].oc.c.TimeStart) {
			return candidates[i].oc.c.TimeStart.Before(candidates[j].oc.c.TimeStart)
		}
		return candidates[i].oc.c.ID < candidates[j].oc.c.ID
	})
	return candidates[0].oc
}

// timeCompatible allows joins within the idle window on either side of the
// cluster's span: out-of-order and concurrent arrivals extend the span
// backward instead of splitting the event into duplicate clusters.
func (cl *Clusterer) timeCompatible(oc *openCluster, sig domain.Signal) bool {
	ts := sig.CreatedAt
	return !ts.Before(oc.c.TimeStart.Add(-cl.cfg.IdleWindow)) &&
		!ts.After(oc.c.TimeEnd.Add(cl.cfg.IdleWindow))
}

func eventTypeCompatible(oc *openCluster, sig domain.Signal) bool {
	return oc.c.EventTypeGuess == "" || sig.EventType == "" || oc.c.EventTypeGuess == sig.EventType
}

func (cl *Clusterer) join(oc *openCluster, sig domain.Signal) {
	oc.c.SignalIDs = append(oc.c.SignalIDs, sig.ID)
	oc.latSum += sig.Geo.Lat
	oc.lngSum += sig.Geo.Lng
	n := float64(len(oc.c.SignalIDs))
	oc.c.Centroid = domain.Geo{Lat: oc.latSum / n, Lng: oc.lngSum / n}

	if sig.CreatedAt.Before(oc.c.TimeStart) {
		oc.c.TimeStart = sig.CreatedAt
	}
	if sig.CreatedAt.After(oc.c.TimeEnd) {
		oc.c.TimeEnd = sig.CreatedAt
	}
	if oc.c.EventTypeGuess == "" {
		oc.c.EventTypeGuess = sig.EventType
	}
	if oc.c.City == "" {
		oc.c.City = normalizeCity(sig.CityHint)
	}
	oc.lastActivity = cl.clock.Now()
}

// rehome moves the cluster to its centroid's cell when a join dragged the
// centroid across a grid border. Both cells are already locked: the new
// centroid lies between the old one and the joining signal, and the
// neighborhood covers everything within the match radius of the signal.
func (cl *Clusterer) rehome(oc *openCluster, keys []string, buckets []*bucket) {
	newKey := cellOf(oc.c.Centroid)

	cl.mu.Lock()
	oldKey := cl.index[oc.c.ID]
	if newKey == oldKey {
		cl.mu.Unlock()
		return
	}
	from := slices.Index(keys, oldKey)
	to := slices.Index(keys, newKey)
	if from < 0 || to < 0 {
		cl.mu.Unlock()
		return
	}
	cl.index[oc.c.ID] = newKey
	cl.mu.Unlock()

	delete(buckets[from].clusters, oc.c.ID)
	buckets[to].clusters[oc.c.ID] = oc
}

func (cl *Clusterer) open(b *bucket, key string, sig domain.Signal) *openCluster {
	oc := &openCluster{
		c: domain.Cluster{
			ID:             "cl-" + uuid.NewString(),
			City:           normalizeCity(sig.CityHint),
			EventTypeGuess: sig.EventType,
			Centroid:       sig.Geo,
			TimeStart:      sig.CreatedAt,
			TimeEnd:        sig.CreatedAt,
			SignalIDs:      []string{sig.ID},
			Status:         domain.ClusterOpen,
		},
		latSum:       sig.Geo.Lat,
		lngSum:       sig.Geo.Lng,
		lastActivity: cl.clock.Now(),
	}
	b.clusters[oc.c.ID] = oc

	cl.mu.Lock()
	cl.index[oc.c.ID] = key
	cl.mu.Unlock()

	return oc
}

// CloseIdle closes every open cluster that has received no signal within the
// idle window and returns their final snapshots for persistence. Closed
// clusters accept no further signals but remain addressable in the store for
// historical audit.
func (cl *Clusterer) CloseIdle() []domain.Cluster {
	cutoff := cl.clock.Now().Add(-cl.cfg.IdleWindow)

	cl.mu.RLock()
	keys := make([]string, 0, len(cl.buckets))
	for k := range cl.buckets {
		keys = append(keys, k)
	}
	cl.mu.RUnlock()

	var closed []domain.Cluster
	for _, key := range keys {
		cl.mu.RLock()
		b := cl.buckets[key]
		cl.mu.RUnlock()
		if b == nil {
			continue
		}

		b.mu.Lock()
		for id, oc := range b.clusters {
			if oc.lastActivity.After(cutoff) {
				continue
			}
			// An idle promoted cluster leaves the arena but keeps its
			// promoted status; only unpromoted clusters close.
			if oc.c.Status == domain.ClusterOpen {
				oc.c.Status = domain.ClusterClosed
				cl.metrics.ClustersClosed.Inc()
			}
			closed = append(closed, snapshot(oc))
			delete(b.clusters, id)
			cl.mu.Lock()
			delete(cl.index, id)
			cl.mu.Unlock()
		}
		b.mu.Unlock()
	}

	if len(closed) > 0 {
		cl.logger.Info("idle clusters closed", "count", len(closed))
	}
	return closed
}

// MarkPromoted marks the cluster as backing an incident and returns its
// current snapshot. The cluster stays in the arena: late signals keep
// joining it so the incident's evidence keeps growing until the cluster
// ages out. The first call wins; repeats report false.
func (cl *Clusterer) MarkPromoted(clusterID string) (domain.Cluster, bool) {
	cl.mu.RLock()
	key, ok := cl.index[clusterID]
	b := cl.buckets[key]
	cl.mu.RUnlock()
	if !ok || b == nil {
		return domain.Cluster{}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	oc, ok := b.clusters[clusterID]
	if !ok || oc.c.Status == domain.ClusterPromoted {
		return domain.Cluster{}, false
	}
	oc.c.Status = domain.ClusterPromoted
	return snapshot(oc), true
}

// OpenCount returns the number of open clusters across all buckets.
func (cl *Clusterer) OpenCount() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.index)
}

// neighborhood returns the sorted grid-cell keys a signal must search: its
// own cell plus every cell whose clusters could hold a centroid within the
// match radius. The sorted order doubles as the lock-acquisition order, so
// overlapping assignments can never deadlock.
func (cl *Clusterer) neighborhood(g domain.Geo) []string {
	reach := int(math.Ceil(cl.cfg.RadiusKM / cellKM))
	if reach < 1 {
		reach = 1
	}
	// Longitude cells narrow toward the poles.
	lngReach := reach
	if c := math.Abs(math.Cos(g.Lat * math.Pi / 180)); c >= 0.25 {
		lngReach = int(math.Ceil(float64(reach) / c))
	} else {
		lngReach = 4 * reach
	}

	x := int(math.Floor(g.Lat / cellDeg))
	y := int(math.Floor(g.Lng / cellDeg))
	keys := make([]string, 0, (2*reach+1)*(2*lngReach+1))
	for dx := -reach; dx <= reach; dx++ {
		for dy := -lngReach; dy <= lngReach; dy++ {
			keys = append(keys, fmt.Sprintf("g:%d:%d", x+dx, y+dy))
		}
	}
	sort.Strings(keys)
	return keys
}

func cellOf(g domain.Geo) string {
	return fmt.Sprintf("g:%d:%d", int(math.Floor(g.Lat/cellDeg)), int(math.Floor(g.Lng/cellDeg)))
}

// bucketsFor fetches or creates the buckets for the given keys, in order.
func (cl *Clusterer) bucketsFor(keys []string) []*bucket {
	bs := make([]*bucket, len(keys))
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for i, k := range keys {
		b, ok := cl.buckets[k]
		if !ok {
			b = &bucket{clusters: make(map[string]*openCluster)}
			cl.buckets[k] = b
		}
		bs[i] = b
	}
	return bs
}

func normalizeCity(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// snapshot copies the cluster value, including the member slice, so callers
// never alias arena-owned state.
func snapshot(oc *openCluster) domain.Cluster {
	c := oc.c
	c.SignalIDs = append([]string(nil), oc.c.SignalIDs...)
	return c
}
