package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RouteRule sends tracks whose title or genre contains any keyword to the
// listed storage buckets, in order.
type RouteRule struct {
	Keywords []string `yaml:"keywords"`
	Buckets  []string `yaml:"buckets"`
}

// Tuning holds the playback engine's numeric knobs. Every field can be
// overridden from the YAML file named by TUNING_FILE.
type Tuning struct {
	FailureCeiling int `yaml:"failure_ceiling"`
	LedgerGCSize   int `yaml:"ledger_gc_size"`

	LockLease             time.Duration `yaml:"lock_lease"`
	MinTransitionInterval time.Duration `yaml:"min_transition_interval"`

	LoadTimeout  time.Duration `yaml:"load_timeout"`
	StallTimeout time.Duration `yaml:"stall_timeout"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	ValidationBatchSize int `yaml:"validation_batch_size"`
	ValidationEarlyStop int `yaml:"validation_early_stop"`

	InitialBatchSize      int           `yaml:"initial_batch_size"`
	ExtensionBatchSize    int           `yaml:"extension_batch_size"`
	LowWaterMark          int           `yaml:"low_water_mark"`
	MaxExtendRounds       int           `yaml:"max_extend_rounds"`
	NearEndThreshold      time.Duration `yaml:"near_end_threshold"`
	ExtensionPollInterval time.Duration `yaml:"extension_poll_interval"`

	SkipDelayFormat      time.Duration `yaml:"skip_delay_format"`
	SkipDelayNetwork     time.Duration `yaml:"skip_delay_network"`
	SkipDelayGeneric     time.Duration `yaml:"skip_delay_generic"`
	SkipDelayMax         time.Duration `yaml:"skip_delay_max"`
	FailureWindow        time.Duration `yaml:"failure_window"`
	BurstNoticeThreshold int           `yaml:"burst_notice_threshold"`

	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`

	IDBucket        string      `yaml:"id_bucket"`
	FallbackBuckets []string    `yaml:"fallback_buckets"`
	Routes          []RouteRule `yaml:"routes"`
}

func DefaultTuning() Tuning {
	return Tuning{
		FailureCeiling: 3,
		LedgerGCSize:   1000,

		LockLease:             20 * time.Second,
		MinTransitionInterval: 400 * time.Millisecond,

		LoadTimeout:  5 * time.Second,
		StallTimeout: 12 * time.Second,
		ProbeTimeout: 4 * time.Second,

		ValidationBatchSize: 3,
		ValidationEarlyStop: 3,

		InitialBatchSize:      20,
		ExtensionBatchSize:    10,
		LowWaterMark:          3,
		MaxExtendRounds:       3,
		NearEndThreshold:      45 * time.Second,
		ExtensionPollInterval: 30 * time.Second,

		SkipDelayFormat:      300 * time.Millisecond,
		SkipDelayNetwork:     2 * time.Second,
		SkipDelayGeneric:     time.Second,
		SkipDelayMax:         30 * time.Second,
		FailureWindow:        time.Minute,
		BurstNoticeThreshold: 4,

		SessionIdleTimeout: 15 * time.Minute,

		IDBucket:        "audio",
		FallbackBuckets: []string{"audio"},
		Routes: []RouteRule{
			{Keywords: []string{"sleep", "delta", "rest"}, Buckets: []string{"sleep"}},
			{Keywords: []string{"classical", "sonata", "nocturne", "concerto"}, Buckets: []string{"classical"}},
			{Keywords: []string{"focus", "study", "ambient"}, Buckets: []string{"focus"}},
		},
	}
}

// LoadTuning overlays the YAML document at path on top of base.
func LoadTuning(path string, base Tuning) (Tuning, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("failed to read tuning file: %w", err)
	}

	tuning := base
	if err := yaml.Unmarshal(raw, &tuning); err != nil {
		return base, fmt.Errorf("failed to parse tuning file %s: %w", path, err)
	}

	if err := tuning.Validate(); err != nil {
		return base, err
	}
	return tuning, nil
}

// LoadDeadline bounds a single sink load, covering both readiness phases.
func (t Tuning) LoadDeadline() time.Duration {
	return 2 * t.LoadTimeout
}

// StartBudget is the longest a healthy track start may hold the transition
// lock: one URL probe followed by a full load.
func (t Tuning) StartBudget() time.Duration {
	return t.ProbeTimeout + t.LoadDeadline()
}

func (t Tuning) Validate() error {
	if t.FailureCeiling < 1 {
		return errors.New("failure_ceiling must be at least 1")
	}
	if t.LedgerGCSize < 1 {
		return errors.New("ledger_gc_size must be at least 1")
	}
	if t.LockLease <= 0 {
		return errors.New("lock_lease must be positive")
	}
	if t.MinTransitionInterval < 0 {
		return errors.New("min_transition_interval must not be negative")
	}
	if t.LoadTimeout <= 0 || t.StallTimeout <= 0 || t.ProbeTimeout <= 0 {
		return errors.New("load_timeout, stall_timeout and probe_timeout must be positive")
	}
	if t.LockLease <= t.StartBudget() {
		return fmt.Errorf("lock_lease (%s) must exceed one track start, probe_timeout plus twice load_timeout (%s)",
			t.LockLease, t.StartBudget())
	}
	if t.ValidationBatchSize < 1 || t.ValidationEarlyStop < 1 {
		return errors.New("validation_batch_size and validation_early_stop must be at least 1")
	}
	if t.InitialBatchSize < 1 || t.ExtensionBatchSize < 1 {
		return errors.New("initial_batch_size and extension_batch_size must be at least 1")
	}
	if t.LowWaterMark < 0 {
		return errors.New("low_water_mark must not be negative")
	}
	if t.ExtensionPollInterval <= 0 {
		return errors.New("extension_poll_interval must be positive")
	}
	if t.SkipDelayMax < t.SkipDelayFormat || t.SkipDelayMax < t.SkipDelayNetwork || t.SkipDelayMax < t.SkipDelayGeneric {
		return errors.New("skip_delay_max must not be below any base skip delay")
	}
	if t.FailureWindow <= 0 {
		return errors.New("failure_window must be positive")
	}
	for i, rule := range t.Routes {
		if len(rule.Keywords) == 0 || len(rule.Buckets) == 0 {
			return fmt.Errorf("routes[%d] needs at least one keyword and one bucket", i)
		}
	}
	return nil
}
