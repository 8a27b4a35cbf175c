package hal

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultReadChunkSize  = 1024
	defaultCommandTimeout = 2 * time.Second
	defaultEpilogTimeout  = 3 * time.Second
	defaultLPMIdleTimeout = 100 * time.Millisecond
)

// Patch download timing and policy. The settle delays are controller
// specific and are injected rather than hardcoded.
const (
	defaultPatchMaxPayload     = nciMaxPayload
	minPatchMaxPayload         = 32
	defaultSPDTimeout          = 6000 * time.Millisecond
	defaultCommitDelay         = 30000 * time.Millisecond
	defaultEndDelay            = 250 * time.Millisecond
	defaultPreFixDelay         = 200 * time.Millisecond
	defaultPreFixMajorVersion  = 76
	defaultNoResetNtfChipModel = "20791B3"
)

// PatchConfig controls the patch download engine
type PatchConfig struct {
	// MaxPayload is the largest NCI payload of one download command
	MaxPayload int
	// SPDTimeout bounds each command/response exchange and the signature check
	SPDTimeout time.Duration
	// CommitDelay bounds the wait for the controller reset after a patch is committed
	CommitDelay time.Duration
	// EndDelay is the settle delay for controllers without NVM
	EndDelay time.Duration
	// PatchRAMDelay is the minimum settle delay after writing a patch to NVM
	PatchRAMDelay time.Duration
	// PreFixDelay is the settle delay after the pre-fix patch
	PreFixDelay time.Duration
	// PreFixMajorVersion is the patch file major version from which the pre-fix is always applied
	PreFixMajorVersion uint16
	// NVMRequired aborts the download when the controller reports no NVM
	NVMRequired bool
	// NoResetNtfChips lists chip versions that do not reset after a patch is committed
	NoResetNtfChips []string
}

// Config holds transport configuration
type Config struct {
	LogCallback LogCallback
	Debug       bool
	Allocator   Allocator

	CreditLimit    int
	DrainBatch     int
	ReadChunkSize  int
	MaxReassembly  int
	CommandTimeout time.Duration

	EpilogKind    PacketKind
	EpilogCommand []byte
	EpilogTimeout time.Duration

	LPMIdleTimeout time.Duration

	Patch PatchConfig

	// PatchFile and PreFixFile name the firmware files; the transport itself
	// does not read them.
	PatchFile  string
	PreFixFile string
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		CreditLimit:    defaultCreditLimit,
		DrainBatch:     defaultDrainBatch,
		ReadChunkSize:  defaultReadChunkSize,
		MaxReassembly:  defaultMaxReassembly,
		CommandTimeout: defaultCommandTimeout,
		EpilogTimeout:  defaultEpilogTimeout,
		LPMIdleTimeout: defaultLPMIdleTimeout,
		Patch:          DefaultPatchConfig(),
	}
}

// DefaultPatchConfig returns the default patch download configuration
func DefaultPatchConfig() PatchConfig {
	return PatchConfig{
		MaxPayload:         defaultPatchMaxPayload,
		SPDTimeout:         defaultSPDTimeout,
		CommitDelay:        defaultCommitDelay,
		EndDelay:           defaultEndDelay,
		PreFixDelay:        defaultPreFixDelay,
		PreFixMajorVersion: defaultPreFixMajorVersion,
		NoResetNtfChips:    []string{defaultNoResetNtfChipModel},
	}
}

// Option configures a Transport
type Option func(*Config)

// WithLogCallback sets the log callback
func WithLogCallback(cb LogCallback) Option {
	return func(c *Config) {
		c.LogCallback = cb
	}
}

// WithDebug enables hex tracing of every frame
func WithDebug(debug bool) Option {
	return func(c *Config) {
		c.Debug = debug
	}
}

// WithAllocator sets the buffer allocator
func WithAllocator(a Allocator) Option {
	return func(c *Config) {
		c.Allocator = a
	}
}

// WithCreditLimit sets how many commands may be outstanding
func WithCreditLimit(n int) Option {
	return func(c *Config) {
		c.CreditLimit = n
	}
}

// WithDrainBatch bounds the packets written per drain pass
func WithDrainBatch(n int) Option {
	return func(c *Config) {
		c.DrainBatch = n
	}
}

// WithReadChunkSize sets the size of a single channel read
func WithReadChunkSize(n int) Option {
	return func(c *Config) {
		c.ReadChunkSize = n
	}
}

// WithMaxReassembly bounds a reassembled NCI control message
func WithMaxReassembly(n int) Option {
	return func(c *Config) {
		c.MaxReassembly = n
	}
}

// WithCommandTimeout bounds the wait for a command's answer
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.CommandTimeout = d
	}
}

// WithEpilog sets the vendor command sent before shutting down
func WithEpilog(kind PacketKind, cmd []byte, timeout time.Duration) Option {
	return func(c *Config) {
		c.EpilogKind = kind
		c.EpilogCommand = append([]byte(nil), cmd...)
		c.EpilogTimeout = timeout
	}
}

// WithNCIEpilog shuts down with CORE_RESET_CMD
func WithNCIEpilog(timeout time.Duration) Option {
	return WithEpilog(KindNCIControl, buildCoreReset(), timeout)
}

// WithHCIEpilog shuts down with HCI_Reset
func WithHCIEpilog(timeout time.Duration) Option {
	return WithEpilog(KindCommand, buildHCICommand(hciOpReset, nil), timeout)
}

// WithLPMIdleTimeout sets the idle time before the wake line is released
func WithLPMIdleTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.LPMIdleTimeout = d
	}
}

// WithPatchConfig replaces the patch download configuration
func WithPatchConfig(p PatchConfig) Option {
	return func(c *Config) {
		c.Patch = p
	}
}

// WithNVMRequired aborts patch downloads on controllers without NVM
func WithNVMRequired(required bool) Option {
	return func(c *Config) {
		c.Patch.NVMRequired = required
	}
}

// WithConfigStore applies the recognised keys of a config store
func WithConfigStore(store ConfigStore) Option {
	return func(c *Config) {
		c.applyStore(store)
	}
}

// Config store keys
const (
	ConfigKeyPatchFile       = "FW_PATCH"
	ConfigKeyPreFixFile      = "FW_PRE_PATCH"
	ConfigKeySPDMaxPayload   = "SPD_MAX_PAYLOAD"
	ConfigKeyPatchRAMDelay   = "PATCH_RAM_DELAY"
	ConfigKeyPreFixDelay     = "PRE_PATCH_DELAY"
	ConfigKeyCommitDelay     = "SPD_COMMIT_DELAY"
	ConfigKeySPDTimeout      = "SPD_TIMEOUT"
	ConfigKeyNVMRequired     = "SPD_NVM_REQUIRED"
	ConfigKeyNoResetNtfChips = "SPD_NO_RESET_NTF_CHIPS"
	ConfigKeyLPMIdleTimeout  = "LPM_IDLE_TIMEOUT"
	ConfigKeyCommandTimeout  = "CMD_TIMEOUT"
	ConfigKeyCreditLimit     = "CREDIT_LIMIT"
)

func (c *Config) applyStore(store ConfigStore) {
	if store == nil {
		return
	}
	ms := func(key string, dst *time.Duration) {
		if v, ok := store.GetNumber(key); ok {
			*dst = time.Duration(v) * time.Millisecond
		}
	}

	if v, ok := store.GetString(ConfigKeyPatchFile); ok {
		c.PatchFile = v
	}
	if v, ok := store.GetString(ConfigKeyPreFixFile); ok {
		c.PreFixFile = v
	}
	if v, ok := store.GetNumber(ConfigKeySPDMaxPayload); ok {
		c.Patch.MaxPayload = int(v)
	}
	ms(ConfigKeyPatchRAMDelay, &c.Patch.PatchRAMDelay)
	ms(ConfigKeyPreFixDelay, &c.Patch.PreFixDelay)
	ms(ConfigKeyCommitDelay, &c.Patch.CommitDelay)
	ms(ConfigKeySPDTimeout, &c.Patch.SPDTimeout)
	ms(ConfigKeyLPMIdleTimeout, &c.LPMIdleTimeout)
	ms(ConfigKeyCommandTimeout, &c.CommandTimeout)
	if v, ok := store.GetNumber(ConfigKeyNVMRequired); ok {
		c.Patch.NVMRequired = v != 0
	}
	if v, ok := store.GetString(ConfigKeyNoResetNtfChips); ok {
		var chips []string
		for _, chip := range strings.Split(v, ",") {
			if chip = strings.TrimSpace(chip); chip != "" {
				chips = append(chips, chip)
			}
		}
		c.Patch.NoResetNtfChips = chips
	}
	if v, ok := store.GetNumber(ConfigKeyCreditLimit); ok {
		c.CreditLimit = int(v)
	}
}

// ConfigStore answers named configuration lookups
type ConfigStore interface {
	GetString(name string) (string, bool)
	GetNumber(name string) (uint64, bool)
}

// TOMLConfigStore is a ConfigStore backed by a flat TOML document. Key
// lookups are case-insensitive.
type TOMLConfigStore struct {
	values map[string]any
}

// LoadConfigStore reads a TOML config file
func LoadConfigStore(path string) (*TOMLConfigStore, error) {
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("load config store %s: %w", path, err)
	}
	return newTOMLConfigStore(raw), nil
}

// ParseConfigStore parses TOML text
func ParseConfigStore(data string) (*TOMLConfigStore, error) {
	var raw map[string]any
	if _, err := toml.Decode(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config store: %w", err)
	}
	return newTOMLConfigStore(raw), nil
}

func newTOMLConfigStore(raw map[string]any) *TOMLConfigStore {
	values := make(map[string]any, len(raw))
	for k, v := range raw {
		values[strings.ToUpper(k)] = v
	}
	return &TOMLConfigStore{values: values}
}

// GetString returns a string value
func (s *TOMLConfigStore) GetString(name string) (string, bool) {
	v, ok := s.values[strings.ToUpper(name)]
	if !ok {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			str, ok := item.(string)
			if !ok {
				return "", false
			}
			parts = append(parts, str)
		}
		return strings.Join(parts, ","), true
	default:
		return "", false
	}
}

// GetNumber returns a non-negative integer value; booleans map to 0 and 1
func (s *TOMLConfigStore) GetNumber(name string) (uint64, bool) {
	v, ok := s.values[strings.ToUpper(name)]
	if !ok {
		return 0, false
	}
	switch val := v.(type) {
	case int64:
		if val < 0 {
			return 0, false
		}
		return uint64(val), true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
