package cogmem

import (
	"os"
	"strconv"
	"time"

	"github.com/cogmem/cogmem/pkg/activation"
	"github.com/cogmem/cogmem/pkg/bridge"
	"github.com/cogmem/cogmem/pkg/dualmemory"
	"github.com/cogmem/cogmem/pkg/encoder"
)

// Config collects every tunable named in spec §6's configuration surface,
// plus the storage paths System.Open needs. Zero-value fields fall back to
// each subsystem's own defaults.
type Config struct {
	MetadataPath string
	VectorPath   string

	Alpha float64 // cognitive encoder fusion weight

	ActivationThreshold float64
	MaxActivations      int

	BridgeK          int
	BridgeNoveltyMin float64
	BridgeCPMin      float64

	EpisodicDecay      float64
	SemanticDecay      float64
	PromoteAccessCount int64

	MonitoringEnabled         bool
	MonitoringIntervalSeconds float64
	SyncAtomicOperations      bool

	FileSyncRoot         string
	FileSyncPollInterval time.Duration // zero uses pkg/filesync's own default
}

// defaultEpisodicDecayRate is the decay_rate a newly stored episodic
// memory is given, per spec §6's EPISODIC_DECAY default.
const defaultEpisodicDecayRate = 0.1

// DefaultConfig returns the configuration every subsystem default already
// implies, matching sqvect's DefaultConfig() naming convention.
func DefaultConfig() Config {
	return Config{
		MetadataPath: "cogmem-meta.db",
		VectorPath:   "cogmem-vectors.db",

		Alpha: encoder.DefaultAlpha,

		ActivationThreshold: activation.DefaultThreshold,
		MaxActivations:      activation.DefaultMaxActivations,

		BridgeK:          bridge.DefaultBridgeK,
		BridgeNoveltyMin: bridge.DefaultNoveltyMin,
		BridgeCPMin:      bridge.DefaultCPMin,

		EpisodicDecay:      defaultEpisodicDecayRate,
		SemanticDecay:      dualmemory.DefaultSemanticDecayRate,
		PromoteAccessCount: dualmemory.DefaultPromoteAccessCount,

		MonitoringEnabled:         false,
		MonitoringIntervalSeconds: 5.0,
		SyncAtomicOperations:      true,

		FileSyncRoot: "",
	}
}

// ConfigFromEnv starts from DefaultConfig and overrides every field whose
// environment variable (spec §6) is set.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if v, ok := os.LookupEnv("COGMEM_METADATA_PATH"); ok {
		cfg.MetadataPath = v
	}
	if v, ok := os.LookupEnv("COGMEM_VECTOR_PATH"); ok {
		cfg.VectorPath = v
	}
	if v, ok := os.LookupEnv("COGMEM_FILESYNC_ROOT"); ok {
		cfg.FileSyncRoot = v
	}
	if v, ok := envFloat("ACTIVATION_THRESHOLD"); ok {
		cfg.ActivationThreshold = v
	}
	if v, ok := envInt("MAX_ACTIVATIONS"); ok {
		cfg.MaxActivations = int(v)
	}
	if v, ok := envInt("BRIDGE_K"); ok {
		cfg.BridgeK = int(v)
	}
	if v, ok := envFloat("BRIDGE_NOVELTY_MIN"); ok {
		cfg.BridgeNoveltyMin = v
	}
	if v, ok := envFloat("BRIDGE_CP_MIN"); ok {
		cfg.BridgeCPMin = v
	}
	if v, ok := envFloat("EPISODIC_DECAY"); ok {
		cfg.EpisodicDecay = v
	}
	if v, ok := envFloat("SEMANTIC_DECAY"); ok {
		cfg.SemanticDecay = v
	}
	if v, ok := envInt("PROMOTE_ACCESS_COUNT"); ok {
		cfg.PromoteAccessCount = v
	}
	if v, ok := envBool("MONITORING_ENABLED"); ok {
		cfg.MonitoringEnabled = v
	}
	if v, ok := envFloat("MONITORING_INTERVAL_SECONDS"); ok {
		cfg.MonitoringIntervalSeconds = v
	}
	if v, ok := envBool("SYNC_ATOMIC_OPERATIONS"); ok {
		cfg.SyncAtomicOperations = v
	}
	return cfg
}

// MonitoringInterval returns MonitoringIntervalSeconds as a time.Duration.
func (c Config) MonitoringInterval() time.Duration {
	return time.Duration(c.MonitoringIntervalSeconds * float64(time.Second))
}

func envFloat(key string) (float64, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envInt(key string) (int64, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
