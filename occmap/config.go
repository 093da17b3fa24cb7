package occmap

import (
	"encoding/json"
	"math"
	"os"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/activerecon/igtree/octree"
)

// Default sensor model and clamping parameters.
const (
	DefaultProbHit          = 0.7
	DefaultProbMiss         = 0.4
	DefaultClampingThresMin = 0.1192
	DefaultClampingThresMax = 0.971
	DefaultOccupancyThres   = 0.5
)

// Config describes the sensor model and geometry of an occupancy map.
type Config struct {
	Resolution       float64 `json:"resolution"`
	ProbHit          float64 `json:"prob_hit,omitempty"`
	ProbMiss         float64 `json:"prob_miss,omitempty"`
	ClampingThresMin float64 `json:"clamping_thres_min,omitempty"`
	ClampingThresMax float64 `json:"clamping_thres_max,omitempty"`
	OccupancyThres   float64 `json:"occupancy_thres,omitempty"`
	// MaxRange truncates rays longer than this many metres. Negative means unlimited.
	MaxRange float64 `json:"max_range,omitempty"`
	// LazyEval skips inner node refreshes during updates; call UpdateInnerOccupancy afterwards.
	LazyEval bool `json:"lazy_eval,omitempty"`
}

// DefaultConfig returns a config with the given resolution and default sensor model.
func DefaultConfig(resolution float64) Config {
	return Config{
		Resolution:       resolution,
		ProbHit:          DefaultProbHit,
		ProbMiss:         DefaultProbMiss,
		ClampingThresMin: DefaultClampingThresMin,
		ClampingThresMax: DefaultClampingThresMax,
		OccupancyThres:   DefaultOccupancyThres,
		MaxRange:         -1,
	}
}

// ReadConfig reads a JSON config file. Omitted fields keep their defaults; resolution is required.
func ReadConfig(fn string) (Config, error) {
	//nolint:gosec
	raw, err := os.ReadFile(fn)
	if err != nil {
		return Config{}, errors.Wrap(err, "cannot read map config")
	}
	cfg := DefaultConfig(0)
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "cannot parse map config %q", fn)
	}
	if err := cfg.Validate("map"); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validProbability(p float64) bool {
	return p > 0 && p < 1
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.Resolution == 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "resolution")
	}
	if math.IsNaN(cfg.Resolution) || math.IsInf(cfg.Resolution, 0) || cfg.Resolution < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("resolution must be positive and finite, got %v", cfg.Resolution))
	}
	for _, p := range []struct {
		name string
		v    float64
	}{
		{"prob_hit", cfg.ProbHit},
		{"prob_miss", cfg.ProbMiss},
		{"clamping_thres_min", cfg.ClampingThresMin},
		{"clamping_thres_max", cfg.ClampingThresMax},
		{"occupancy_thres", cfg.OccupancyThres},
	} {
		if !validProbability(p.v) {
			return utils.NewConfigValidationError(path, errors.Errorf("%s must be in (0,1), got %v", p.name, p.v))
		}
	}
	if cfg.ProbHit <= 0.5 {
		return utils.NewConfigValidationError(path, errors.New("prob_hit must be greater than 0.5"))
	}
	if cfg.ProbMiss >= 0.5 {
		return utils.NewConfigValidationError(path, errors.New("prob_miss must be less than 0.5"))
	}
	if cfg.ClampingThresMin >= cfg.ClampingThresMax {
		return utils.NewConfigValidationError(path, errors.New("clamping_thres_min must be less than clamping_thres_max"))
	}
	if cfg.MaxRange == 0 {
		return utils.NewConfigValidationError(path, errors.New("max_range must be positive or negative for unlimited"))
	}
	return nil
}

// sensorModel holds the config converted to log-odds.
type sensorModel struct {
	hit, miss          float32
	clampMin, clampMax float32
	occupied           float32
}

func newSensorModel(cfg Config) sensorModel {
	return sensorModel{
		hit:      float32(octree.LogOdds(cfg.ProbHit)),
		miss:     float32(octree.LogOdds(cfg.ProbMiss)),
		clampMin: float32(octree.LogOdds(cfg.ClampingThresMin)),
		clampMax: float32(octree.LogOdds(cfg.ClampingThresMax)),
		occupied: float32(octree.LogOdds(cfg.OccupancyThres)),
	}
}
