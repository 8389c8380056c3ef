package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/tlstap/tlstap/internal/reassembly"
)

// engineEnv maps the engine knobs onto environment variables. Defaults match
// reassembly.DefaultConfig.
type engineEnv struct {
	IdleEvictionTimeout        time.Duration `env:"TLSTAP_IDLE_EVICTION_TIMEOUT" envDefault:"60s"`
	GapTimeout                 time.Duration `env:"TLSTAP_GAP_TIMEOUT" envDefault:"500ms"`
	MaxReassemblySpanChunks    int           `env:"TLSTAP_MAX_REASSEMBLY_SPAN_CHUNKS" envDefault:"16"`
	MaxBufferedBytesPerStream  int           `env:"TLSTAP_MAX_BUFFERED_BYTES_PER_STREAM" envDefault:"1048576"`
	MaxBufferedBytesGlobal     int64         `env:"TLSTAP_MAX_BUFFERED_BYTES_GLOBAL" envDefault:"67108864"`
	MaxQueuedSegmentsPerStream int           `env:"TLSTAP_MAX_QUEUED_SEGMENTS_PER_STREAM" envDefault:"32"`
	Workers                    int           `env:"TLSTAP_WORKERS" envDefault:"4"`
	ContiguityDeltaNs          uint64        `env:"TLSTAP_CONTIGUITY_DELTA_NS" envDefault:"1000"`
	SweepInterval              time.Duration `env:"TLSTAP_SWEEP_INTERVAL" envDefault:"100ms"`
}

// ParseEngineConfig reads the engine knobs from the environment and validates
// them. Invalid values are fatal before any ingestion begins.
func ParseEngineConfig() (reassembly.Config, error) {
	var e engineEnv
	if err := env.Parse(&e); err != nil {
		return reassembly.Config{}, fmt.Errorf("failed to parse engine config: %w", err)
	}

	cfg := reassembly.Config{
		IdleEvictionTimeout:        e.IdleEvictionTimeout,
		GapTimeout:                 e.GapTimeout,
		MaxReassemblySpanChunks:    e.MaxReassemblySpanChunks,
		MaxBufferedBytesPerStream:  e.MaxBufferedBytesPerStream,
		MaxBufferedBytesGlobal:     e.MaxBufferedBytesGlobal,
		MaxQueuedSegmentsPerStream: e.MaxQueuedSegmentsPerStream,
		Workers:                    e.Workers,
		ContiguityDeltaNs:          e.ContiguityDeltaNs,
		SweepInterval:              e.SweepInterval,
	}
	if err := cfg.Validate(); err != nil {
		return reassembly.Config{}, fmt.Errorf("invalid engine config: %w", err)
	}
	return cfg, nil
}
