package occmap

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/activerecon/igtree/octree"
)

const (
	fileHeader = "# Octomap OcTree file"
	fileTreeID = "IgOcTree"

	flagNoMeasurement = 1 << 0
	flagOccDist       = 1 << 1
)

// Write serializes the full tree: a text header followed by every node in pre-order.
func (m *Map) Write(w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s\nid %s\nsize %d\nres %s\ndata\n",
		fileHeader, fileTreeID, m.tree.Len(), strconv.FormatFloat(m.cfg.Resolution, 'g', -1, 64))

	var buf [10]byte
	m.tree.Walk(func(id octree.NodeID, depth int) bool {
		n := m.tree.Value(id)
		binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(n.LogOdds()))
		var flags byte
		if n.HasNoMeasurement() {
			flags |= flagNoMeasurement
		}
		size := 5
		if occDist, ok := n.OccupancyAtMeasurementDistance(); ok {
			flags |= flagOccDist
			binary.LittleEndian.PutUint32(buf[5:9], math.Float32bits(occDist))
			size = 9
		}
		buf[4] = flags
		var mask byte
		for i := 0; i < octree.NumChildren; i++ {
			if m.tree.ChildExists(id, i) {
				mask |= 1 << i
			}
		}
		buf[size] = mask
		// bufio keeps the first error and reports it on Flush
		//nolint:errcheck
		bw.Write(buf[:size+1])
		return true
	})
	return errors.Wrap(bw.Flush(), "cannot write map")
}

// WriteFile writes the map to fn.
func (m *Map) WriteFile(fn string) (err error) {
	//nolint:gosec
	f, err := os.Create(fn)
	if err != nil {
		return errors.Wrap(err, "cannot create map file")
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return m.Write(f)
}

type fileInfo struct {
	size       int
	resolution float64
}

func readHeader(br *bufio.Reader) (fileInfo, error) {
	info := fileInfo{size: -1}
	line, err := br.ReadString('\n')
	if err != nil {
		return info, errors.Wrap(err, "cannot read map header")
	}
	if !strings.HasPrefix(line, fileHeader) {
		return info, errors.New("not a map file, first line must be the octree header")
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return info, errors.Wrap(err, "map header ended before data")
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "data" {
			break
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return info, errors.Errorf("malformed map header line %q", line)
		}
		switch fields[0] {
		case "id":
			if fields[1] != fileTreeID {
				return info, errors.Errorf("unsupported tree id %q", fields[1])
			}
		case "size":
			if info.size, err = strconv.Atoi(fields[1]); err != nil || info.size < 1 {
				return info, errors.Errorf("invalid node count %q", fields[1])
			}
		case "res":
			if info.resolution, err = strconv.ParseFloat(fields[1], 64); err != nil {
				return info, errors.Wrap(err, "invalid resolution")
			}
		default:
			return info, errors.Errorf("unknown map header field %q", fields[0])
		}
	}
	if info.size < 0 {
		return info, errors.New("map header missing size")
	}
	return info, nil
}

// Read parses a map written by Write. The map gets the default sensor model at the stored
// resolution; use ReadWithConfig to keep a custom one.
func Read(r io.Reader, logger golog.Logger) (*Map, error) {
	br := bufio.NewReader(r)
	info, err := readHeader(br)
	if err != nil {
		return nil, err
	}
	return readBody(br, info, DefaultConfig(info.resolution), logger)
}

// ReadWithConfig parses a map written by Write using cfg as its sensor model. The resolution of
// cfg must match the stored one.
func ReadWithConfig(r io.Reader, cfg Config, logger golog.Logger) (*Map, error) {
	br := bufio.NewReader(r)
	info, err := readHeader(br)
	if err != nil {
		return nil, err
	}
	if cfg.Resolution != info.resolution {
		return nil, errors.Errorf("map resolution %v does not match config resolution %v", info.resolution, cfg.Resolution)
	}
	return readBody(br, info, cfg, logger)
}

func readBody(br *bufio.Reader, info fileInfo, cfg Config, logger golog.Logger) (*Map, error) {
	m, err := New(cfg, logger)
	if err != nil {
		return nil, errors.Wrap(err, "invalid map header")
	}
	read := 0
	if err := m.readNode(br, m.tree.Root(), 0, &read); err != nil {
		return nil, err
	}
	if read != info.size {
		return nil, errors.Errorf("expected %d nodes but read %d", info.size, read)
	}
	logger.Debugw("read map", "nodes", read, "resolution", info.resolution)
	return m, nil
}

func (m *Map) readNode(br *bufio.Reader, id octree.NodeID, depth int, read *int) error {
	var buf [4]byte
	if _, err := io.ReadFull(br, buf[:]); err != nil {
		return errors.Wrapf(err, "cannot read node %d", *read)
	}
	l := math.Float32frombits(binary.LittleEndian.Uint32(buf[:]))
	flags, err := br.ReadByte()
	if err != nil {
		return errors.Wrapf(err, "cannot read node %d", *read)
	}
	n := m.tree.Value(id)
	if flags&flagNoMeasurement == 0 {
		n.AddValue(l)
	}
	n.SetLogOdds(l)
	if flags&flagOccDist != 0 {
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			return errors.Wrapf(err, "cannot read node %d", *read)
		}
		n.SetOccupancyAtMeasurementDistance(math.Float32frombits(binary.LittleEndian.Uint32(buf[:])))
	}
	mask, err := br.ReadByte()
	if err != nil {
		return errors.Wrapf(err, "cannot read node %d", *read)
	}
	*read++
	if mask != 0 && depth == TreeDepth {
		return errors.Errorf("node %d below the maximum depth", *read-1)
	}
	for i := 0; i < octree.NumChildren; i++ {
		if mask&(1<<i) == 0 {
			continue
		}
		child, err := m.tree.CreateChild(id, i)
		if err != nil {
			return err
		}
		if err := m.readNode(br, child, depth+1, read); err != nil {
			return err
		}
	}
	return nil
}

// ReadFile reads a map written by WriteFile.
func ReadFile(fn string, logger golog.Logger) (*Map, error) {
	//nolint:gosec
	f, err := os.Open(fn)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open map file")
	}
	defer utils.UncheckedErrorFunc(f.Close)
	return Read(f, logger)
}

// ReadFileWithConfig reads a map written by WriteFile using cfg as its sensor model.
func ReadFileWithConfig(fn string, cfg Config, logger golog.Logger) (*Map, error) {
	//nolint:gosec
	f, err := os.Open(fn)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open map file")
	}
	defer utils.UncheckedErrorFunc(f.Close)
	return ReadWithConfig(f, cfg, logger)
}
