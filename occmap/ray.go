package occmap

import (
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	pc "github.com/activerecon/igtree/pointcloud"
)

// computeRayKeys returns the keys traversed from origin to end using a 3D DDA. The origin key is
// included and the end key is not. Origin and end in the same voxel give no keys.
func computeRayKeys(origin, end r3.Vector, resolution float64) ([]Key, error) {
	keyOrigin, err := coordToKey(origin, resolution)
	if err != nil {
		return nil, err
	}
	keyEnd, err := coordToKey(end, resolution)
	if err != nil {
		return nil, err
	}
	if keyOrigin == keyEnd {
		return nil, nil
	}

	keys := []Key{keyOrigin}
	diff := end.Sub(origin)
	length := diff.Norm()
	direction := diff.Mul(1 / length)
	o := [3]float64{origin.X, origin.Y, origin.Z}
	dir := [3]float64{direction.X, direction.Y, direction.Z}

	current := keyOrigin
	var step [3]int
	var tMax, tDelta [3]float64
	for i := 0; i < 3; i++ {
		switch {
		case dir[i] > 0:
			step[i] = 1
		case dir[i] < 0:
			step[i] = -1
		}
		if step[i] != 0 {
			voxelBorder := keyToCoordAxis(current[i], resolution) + float64(step[i])*resolution*0.5
			tMax[i] = (voxelBorder - o[i]) / dir[i]
			tDelta[i] = resolution / math.Abs(dir[i])
		} else {
			tMax[i] = math.MaxFloat64
			tDelta[i] = math.MaxFloat64
		}
	}

	for {
		dim := 0
		if tMax[1] < tMax[dim] {
			dim = 1
		}
		if tMax[2] < tMax[dim] {
			dim = 2
		}
		next := int(current[dim]) + step[dim]
		if next < 0 || next >= keySpan {
			return nil, errors.Wrapf(ErrOutOfBounds, "ray from %v to %v", origin, end)
		}
		current[dim] = uint16(next)
		tMax[dim] += tDelta[dim]

		if current == keyEnd {
			break
		}
		// numerical drift can walk past the end voxel
		if math.Min(tMax[0], math.Min(tMax[1], tMax[2])) > length {
			break
		}
		keys = append(keys, current)
	}
	return keys, nil
}

// RayKeys exposes the voxel traversal between two points.
func (m *Map) RayKeys(origin, end r3.Vector) ([]Key, error) {
	return computeRayKeys(origin, end, m.cfg.Resolution)
}

// CoordToKey returns the key of the finest voxel containing p.
func (m *Map) CoordToKey(p r3.Vector) (Key, error) {
	return coordToKey(p, m.cfg.Resolution)
}

// KeyCenter returns the center of the finest voxel of k.
func (m *Map) KeyCenter(k Key) r3.Vector {
	return keyToCoord(k, m.cfg.Resolution)
}

// SearchKey returns the deepest node containing the finest voxel k.
func (m *Map) SearchKey(k Key) (Voxel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, d, ok := m.searchKey(k, TreeDepth)
	if !ok {
		return Voxel{}, false
	}
	return m.voxel(id, levelBase(k, d), d), true
}

// InsertRay integrates a single measurement: free space from origin to end and a hit at end. If
// the ray is longer than max_range it is truncated and no hit is integrated.
func (m *Map) InsertRay(origin, end r3.Vector) error {
	hit := true
	if maxRange := m.cfg.MaxRange; maxRange > 0 {
		diff := end.Sub(origin)
		if length := diff.Norm(); length > maxRange {
			end = origin.Add(diff.Mul(maxRange / length))
			hit = false
		}
	}
	keys, err := m.RayKeys(origin, end)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		if _, err := m.updateKey(k, m.model.miss); err != nil {
			return err
		}
	}
	if !hit {
		return nil
	}
	endKey, err := coordToKey(end, m.cfg.Resolution)
	if err != nil {
		return err
	}
	_, err = m.updateKey(endKey, m.model.hit)
	return err
}

type keySet struct {
	keys  []Key
	index map[Key]struct{}
}

func newKeySet() *keySet {
	return &keySet{index: map[Key]struct{}{}}
}

func (s *keySet) add(k Key) {
	if _, ok := s.index[k]; ok {
		return
	}
	s.index[k] = struct{}{}
	s.keys = append(s.keys, k)
}

func (s *keySet) has(k Key) bool {
	_, ok := s.index[k]
	return ok
}

// InsertPointCloud integrates a scan taken from origin. Every voxel is updated at most once per
// scan and a voxel both traversed and hit counts as a hit. The occupancy of every hit voxel after
// the update is cached as its occupancy at measurement distance.
func (m *Map) InsertPointCloud(cloud pc.PointCloud, origin r3.Vector) error {
	start := time.Now()
	free := newKeySet()
	occupied := newKeySet()
	maxRange := m.cfg.MaxRange

	var iterErr error
	cloud.Iterate(0, 0, func(p r3.Vector, _ pc.Data) bool {
		diff := p.Sub(origin)
		if length := diff.Norm(); maxRange > 0 && length > maxRange {
			keys, err := m.RayKeys(origin, origin.Add(diff.Mul(maxRange/length)))
			if err != nil {
				iterErr = err
				return false
			}
			for _, k := range keys {
				free.add(k)
			}
			return true
		}
		keys, err := m.RayKeys(origin, p)
		if err != nil {
			iterErr = err
			return false
		}
		for _, k := range keys {
			free.add(k)
		}
		k, err := coordToKey(p, m.cfg.Resolution)
		if err != nil {
			iterErr = err
			return false
		}
		occupied.add(k)
		return true
	})
	if iterErr != nil {
		return errors.Wrap(iterErr, "cannot insert point cloud")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	freeUpdates := 0
	for _, k := range free.keys {
		if occupied.has(k) {
			continue
		}
		if _, err := m.updateKey(k, m.model.miss); err != nil {
			return err
		}
		freeUpdates++
	}
	for _, k := range occupied.keys {
		id, err := m.updateKey(k, m.model.hit)
		if err != nil {
			return err
		}
		n := m.tree.Value(id)
		n.SetOccupancyAtMeasurementDistance(float32(n.Occupancy()))
	}
	m.logger.Debugw("inserted point cloud",
		"points", cloud.Size(),
		"free", freeUpdates,
		"occupied", len(occupied.keys),
		"nodes", m.tree.Len(),
		"duration", time.Since(start))
	return nil
}

// TraverseRay walks the finest voxels from origin along direction for at most maxRange metres and
// calls fn with each voxel center and the node found there, if any. Walking stops when fn returns
// false. A ray ending outside the map fails with ErrOutOfBounds.
func (m *Map) TraverseRay(origin, direction r3.Vector, maxRange float64, fn func(center r3.Vector, v Voxel, known bool) bool) error {
	if direction.Norm() == 0 {
		return errors.New("ray direction must not be zero")
	}
	end := origin.Add(direction.Normalize().Mul(maxRange))
	keys, err := m.RayKeys(origin, end)
	if err != nil {
		return err
	}
	endKey, err := coordToKey(end, m.cfg.Resolution)
	if err != nil {
		return err
	}
	keys = append(keys, endKey)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range keys {
		var v Voxel
		id, d, ok := m.searchKey(k, TreeDepth)
		if ok {
			v = m.voxel(id, levelBase(k, d), d)
		}
		if !fn(keyToCoord(k, m.cfg.Resolution), v, ok) {
			return nil
		}
	}
	return nil
}
