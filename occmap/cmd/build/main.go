// Package main builds an occupancy map from point cloud scans taken from a common sensor origin.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/activerecon/igtree/occmap"
	"github.com/activerecon/igtree/pointcloud"
)

const defaultResolution = 0.1

var logger = golog.NewDevelopmentLogger("occmap-build")

// Arguments for the command.
type Arguments struct {
	ConfigFile string     `flag:"config,usage=map config file"`
	Resolution metresFlag `flag:"resolution,usage=voxel size in metres when no config is given"`
	Origin     originFlag `flag:"origin,usage=sensor origin of the scans in metres as three comma separated values"`
	Out        string     `flag:"out,required,usage=map file to write"`
	Occupied   string     `flag:"occupied,usage=pcd file to write the occupied voxel centers to"`
	Scans      []string   `flag:"scans,extra,usage=pcd or las scans"`
}

type metresFlag float64

func (f *metresFlag) String() string {
	return strconv.FormatFloat(float64(*f), 'g', -1, 64)
}

func (f *metresFlag) Set(val string) error {
	v, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid length %q", val)
	}
	*f = metresFlag(v)
	return nil
}

func (f *metresFlag) Get() interface{} {
	return float64(*f)
}

type originFlag r3.Vector

func (f *originFlag) String() string {
	return fmt.Sprintf("%g,%g,%g", f.X, f.Y, f.Z)
}

func (f *originFlag) Set(val string) error {
	parts := strings.Split(val, ",")
	if len(parts) != 3 {
		return errors.Errorf("origin must be x,y,z, got %q", val)
	}
	var coords [3]float64
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return errors.Wrapf(err, "invalid origin %q", val)
		}
		coords[i] = v
	}
	*f = originFlag{X: coords[0], Y: coords[1], Z: coords[2]}
	return nil
}

func (f *originFlag) Get() interface{} {
	return r3.Vector(*f)
}

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	if len(argsParsed.Scans) == 0 {
		return errors.New("please specify at least one scan file")
	}
	// extra arguments come back unordered
	sort.Strings(argsParsed.Scans)

	var cfg occmap.Config
	if argsParsed.ConfigFile != "" {
		var err error
		if cfg, err = occmap.ReadConfig(argsParsed.ConfigFile); err != nil {
			return err
		}
	} else {
		res := float64(argsParsed.Resolution)
		if res == 0 {
			res = defaultResolution
		}
		cfg = occmap.DefaultConfig(res)
	}
	return buildMap(ctx, cfg, argsParsed, logger)
}

func buildMap(ctx context.Context, cfg occmap.Config, args Arguments, logger golog.Logger) error {
	m, err := occmap.New(cfg, logger)
	if err != nil {
		return err
	}
	origin := r3.Vector(args.Origin)
	for i, fn := range args.Scans {
		if err := ctx.Err(); err != nil {
			return err
		}
		cloud, err := pointcloud.NewFromFile(fn, logger)
		if err != nil {
			return errors.Wrapf(err, "cannot read scan %q", fn)
		}
		if err := m.InsertPointCloud(cloud, origin); err != nil {
			return errors.Wrapf(err, "cannot integrate scan %q", fn)
		}
		logger.Infow("integrated scan", "file", fn, "points", cloud.Size(), "scan", i+1, "total", len(args.Scans))
	}
	if cfg.LazyEval {
		m.UpdateInnerOccupancy()
	}
	pruned := m.Prune()

	stats := m.Metrics()
	logger.Infow("built map",
		"nodes", stats.Nodes,
		"leaves", stats.Leaves,
		"occupied", stats.Occupied,
		"free", stats.Free,
		"pruned", pruned,
		"min", stats.Min,
		"max", stats.Max)
	logger.Debugf("map stats\n%s", stats)

	if err := m.WriteFile(args.Out); err != nil {
		return err
	}
	if args.Occupied == "" {
		return nil
	}
	return writeOccupied(m, args.Occupied)
}

func writeOccupied(m *occmap.Map, fn string) (err error) {
	//nolint:gosec
	f, err := os.Create(fn)
	if err != nil {
		return errors.Wrap(err, "cannot create occupied voxel file")
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return pointcloud.ToPCD(m.OccupiedVoxels(), f, pointcloud.PCDBinary)
}
