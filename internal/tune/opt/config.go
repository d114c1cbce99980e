package opt

import "time"

// Config defines the configuration for the tree-structured Parzen search
type Config struct {
	Trials        int     `yaml:"trials" json:"trials" default:"100" validate:"gte=1"`
	StartupTrials int     `yaml:"startup_trials" json:"startup_trials" default:"20" validate:"gte=0"`
	Gamma         float64 `yaml:"gamma" json:"gamma" default:"0.25" validate:"gt=0,lt=1"`
	EICandidates  int     `yaml:"ei_candidates" json:"ei_candidates" default:"24" validate:"gte=1"`
	PriorWeight   float64 `yaml:"prior_weight" json:"prior_weight" default:"1.0" validate:"gte=0"`
	MinBandwidth  float64 `yaml:"min_bandwidth" json:"min_bandwidth" default:"0.02" validate:"gt=0,lte=1"` // unit space

	Workers             int           `yaml:"workers" json:"workers" default:"4" validate:"gte=1"`
	RefitEvery          int           `yaml:"refit_every" json:"refit_every" default:"4" validate:"gte=1"`
	Seed                uint64        `yaml:"seed" json:"seed" default:"42"`
	MaxDuplicateRetries int           `yaml:"max_duplicate_retries" json:"max_duplicate_retries" default:"16" validate:"gte=0"`
	ReservationTTL      time.Duration `yaml:"reservation_ttl" json:"reservation_ttl" default:"30m"`

	BadScoreFloor      float64 `yaml:"bad_score_floor" json:"bad_score_floor" default:"-1.0"`
	BadDrawdownCeiling float64 `yaml:"bad_drawdown_ceiling" json:"bad_drawdown_ceiling" default:"0.5" validate:"gt=0"`
	BadRegionRadius    float64 `yaml:"bad_region_radius" json:"bad_region_radius" default:"0.1" validate:"gt=0"`
	BadRegionWeight    float64 `yaml:"bad_region_weight" json:"bad_region_weight" default:"1.0" validate:"gte=0"`

	TopK int `yaml:"top_k" json:"top_k" default:"5" validate:"gte=1"`

	// subtracted per unit of train-window max drawdown
	DrawdownPenalty float64 `yaml:"drawdown_penalty" json:"drawdown_penalty" default:"0" validate:"gte=0"`
}

// DefaultConfig returns the default search configuration
func DefaultConfig() Config {
	return Config{
		Trials:              100,
		StartupTrials:       20,
		Gamma:               0.25,
		EICandidates:        24,
		PriorWeight:         1.0,
		MinBandwidth:        0.02,
		Workers:             4,
		RefitEvery:          4,
		Seed:                42,
		MaxDuplicateRetries: 16,
		ReservationTTL:      30 * time.Minute,
		BadScoreFloor:       -1.0,
		BadDrawdownCeiling:  0.5,
		BadRegionRadius:     0.1,
		BadRegionWeight:     1.0,
		TopK:                5,
	}
}
