// Package pisaconfig holds the operator-supplied configuration for a
// running watchtower instance and its TOML load/dump surface, grounded
// on klaytn's node/sc/bridge_tx_pool.go sanitize() idiom and
// cmd/ranger/config.go's naoina/toml loading shape.
package pisaconfig

import (
	"bufio"
	"fmt"
	"math/big"
	"os"
	"reflect"
	"time"
	"unicode"

	"github.com/naoina/toml"

	"github.com/terrorizer1980/pisa/log"
)

var logger = log.NewModuleLogger(log.Config)

// BlockCacheConfig configures the Block Cache of spec.md §4.1.
type BlockCacheConfig struct {
	MaxDepth uint64
}

// GasBumpConfig configures the Multi-Responder's repricing schedule,
// per Open Question (i): the exact schedule is unspecified, so it is a
// knob rather than a constant.
type GasBumpConfig struct {
	Factor float64
	Cap    *big.Int
}

// Config is the full set of operator knobs for one watchtower instance.
type Config struct {
	// RPCEndpoint is the chain JSON-RPC client's dial target.
	RPCEndpoint string
	// ProviderDelay shifts the observed chain tip back this many
	// blocks, per spec.md §6's delay-adapter note.
	ProviderDelay uint64
	// ChainID is the network the responder signs transactions for.
	ChainID *big.Int

	DataDir string
	// DBType selects memory/leveldb/badger storage; see
	// storage/database.DBType. Stored as a string here so TOML files
	// stay human-editable ("memory", "leveldb", "badger").
	DBType string

	BlockCache BlockCacheConfig
	GasBump    GasBumpConfig

	// InitialGasPrice floors every newly enqueued item's gas price.
	InitialGasPrice *big.Int

	// HealthPollInterval is how often cmd/pisawatch's health probe
	// refreshes its snapshot.
	HealthPollInterval time.Duration
}

// DefaultConfig mirrors the values responder.DefaultGasBumpPolicy
// assumes when left unconfigured; blockcache has no defaults of its own.
func DefaultConfig() Config {
	return Config{
		ProviderDelay: 0,
		DataDir:       "pisa-data",
		DBType:        "leveldb",
		BlockCache:    BlockCacheConfig{MaxDepth: 256},
		GasBump: GasBumpConfig{
			Factor: 1.125,
			Cap:    new(big.Int).Mul(big.NewInt(500), big.NewInt(1e9)),
		},
		InitialGasPrice:    big.NewInt(1e9),
		HealthPollInterval: 10 * time.Second,
	}
}

// sanitize corrects configuration values that would otherwise produce
// unsafe or nonsensical behavior, mirroring
// BridgeTxPoolConfig.sanitize().
func (c Config) sanitize() Config {
	conf := c
	if conf.BlockCache.MaxDepth == 0 {
		logger.Error("sanitizing invalid block cache max depth", "provided", conf.BlockCache.MaxDepth, "updated", DefaultConfig().BlockCache.MaxDepth)
		conf.BlockCache.MaxDepth = DefaultConfig().BlockCache.MaxDepth
	}
	if conf.GasBump.Factor <= 1 {
		logger.Error("sanitizing invalid gas bump factor", "provided", conf.GasBump.Factor, "updated", DefaultConfig().GasBump.Factor)
		conf.GasBump.Factor = DefaultConfig().GasBump.Factor
	}
	if conf.GasBump.Cap == nil {
		conf.GasBump.Cap = DefaultConfig().GasBump.Cap
	}
	if conf.InitialGasPrice == nil {
		conf.InitialGasPrice = DefaultConfig().InitialGasPrice
	}
	if conf.HealthPollInterval < time.Second {
		logger.Error("sanitizing invalid health poll interval", "provided", conf.HealthPollInterval, "updated", DefaultConfig().HealthPollInterval)
		conf.HealthPollInterval = DefaultConfig().HealthPollInterval
	}
	return conf
}

// tomlSettings mirrors cmd/ranger/config.go's field-name-preserving
// TOML codec: Go field names are used verbatim as TOML keys, and an
// unrecognized key in the file is a hard error rather than silently
// ignored.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		link := ""
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://godoc.org/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

// Load reads file as TOML into a copy of DefaultConfig, then sanitizes
// the result.
func Load(file string) (Config, error) {
	cfg := DefaultConfig()

	f, err := os.Open(file)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	if err := tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(&cfg); err != nil {
		if _, ok := err.(*toml.LineError); ok {
			return Config{}, fmt.Errorf("%s, %w", file, err)
		}
		return Config{}, err
	}
	return cfg.sanitize(), nil
}

// Dump renders cfg back to TOML, for the operator CLI's dumpconfig
// command.
func Dump(cfg Config) ([]byte, error) {
	return tomlSettings.Marshal(&cfg)
}
