package vnvheap

import (
	"fmt"
	"os"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"

	"github.com/markus-gerber/vnv-heap/internal/policy"
	"github.com/markus-gerber/vnv-heap/internal/residentobj"
)

// ResidentKind selects which pkg/residentalloc.Allocator implementation
// backs the RAM buffer.
type ResidentKind string

const (
	// ResidentFirstFit is a sorted free-list first-fit allocator that
	// coalesces neighbors on deallocate.
	ResidentFirstFit ResidentKind = "first_fit"

	// ResidentBuddy is a power-of-two buddy allocator with explicit,
	// non-automatic coalescing (SPEC_FULL.md §9's open question).
	ResidentBuddy ResidentKind = "buddy"
)

// Config is the library configuration (SPEC_FULL.md §6): the fields and
// type-parameter choices an embedded application makes once, at
// Heap construction.
type Config struct {
	// MaxDirtyBytes is dirty_cap (§4.6): the upper bound on aggregate
	// dirty bytes, and hence the worst-case persist-procedure latency.
	MaxDirtyBytes uint64 `json:"max_dirty_bytes" yaml:"max_dirty_bytes"`

	// HeaderOverhead is the architectural per-object bookkeeping cost
	// (§4.6) charged against both RAM and dirty budget alongside an
	// object's payload. It must be at least residentobj.InlineHeaderSize.
	HeaderOverhead uint64 `json:"header_overhead" yaml:"header_overhead"`

	// BackupRingCapacity is the number of slots in the Metadata Backup
	// Ring (§4.8): an upper bound on how many objects may be resident
	// simultaneously.
	BackupRingCapacity uint64 `json:"backup_ring_capacity" yaml:"backup_ring_capacity"`

	// NonResidentOrder is the buddy order (number of size classes) for
	// the Non-Resident Allocator (§4.3). New lowers it when the payload
	// region it implies would not fit in the storage port.
	NonResidentOrder int `json:"nonresident_order" yaml:"nonresident_order"`

	// NonResidentMinBlock is the smallest storage block size the
	// Non-Resident Allocator hands out, in bytes.
	NonResidentMinBlock uint32 `json:"nonresident_min_block" yaml:"nonresident_min_block"`

	// Resident selects the Resident Allocator implementation.
	Resident ResidentKind `json:"resident_allocator" yaml:"resident_allocator"`

	// BuddyMinBlock is the smallest RAM block size when Resident is
	// ResidentBuddy; ignored for ResidentFirstFit.
	BuddyMinBlock uint32 `json:"buddy_min_block" yaml:"buddy_min_block"`
}

// DefaultConfig returns reasonable values for a small embedded buffer;
// callers almost always override MaxDirtyBytes and the allocator choice
// for their target.
func DefaultConfig() Config {
	return Config{
		MaxDirtyBytes:       4096,
		HeaderOverhead:      16,
		BackupRingCapacity:  64,
		NonResidentOrder:    16,
		NonResidentMinBlock: 16,
		Resident:            ResidentFirstFit,
		BuddyMinBlock:       16,
	}
}

// Validate rejects configurations that cannot produce a working heap.
func (c Config) Validate() error {
	if c.HeaderOverhead < residentobj.InlineHeaderSize {
		return fmt.Errorf("vnvheap: header_overhead must be at least %d", residentobj.InlineHeaderSize)
	}

	if c.BackupRingCapacity == 0 {
		return fmt.Errorf("vnvheap: backup_ring_capacity must be > 0")
	}

	if c.NonResidentOrder <= 0 {
		return fmt.Errorf("vnvheap: nonresident_order must be > 0")
	}

	if c.NonResidentMinBlock == 0 {
		return fmt.Errorf("vnvheap: nonresident_min_block must be > 0")
	}

	switch c.Resident {
	case ResidentFirstFit:
	case ResidentBuddy:
		if c.BuddyMinBlock == 0 {
			return fmt.Errorf("vnvheap: buddy_min_block must be > 0 when resident_allocator is buddy")
		}
	default:
		return fmt.Errorf("vnvheap: unknown resident_allocator %q", c.Resident)
	}

	return nil
}

// policyOrDefault lets callers supply a custom Object Management Policy
// (SPEC_FULL.md §6's "Object Management Policy (default or custom)" type
// parameter) while New's signature stays simple for the common case.
func policyOrDefault(p policy.Policy) policy.Policy {
	if p == nil {
		return policy.Default{}
	}

	return p
}

// LoadConfigHuJSON reads a HuJSON (JSON with comments and trailing
// commas) configuration file — the format real embedded firmware configs
// are hand-edited in — and decodes it into a Config.
func LoadConfigHuJSON(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("vnvheap: read config: %w", err)
	}

	std, err := hujson.Standardize(raw)
	if err != nil {
		return Config{}, fmt.Errorf("vnvheap: parse config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(std, &cfg); err != nil {
		return Config{}, fmt.Errorf("vnvheap: decode config: %w", err)
	}

	return cfg, nil
}

// LoadConfigYAML reads a plain YAML configuration file, an alternative
// format for environments that prefer strict YAML over hujson.
func LoadConfigYAML(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("vnvheap: read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("vnvheap: decode config: %w", err)
	}

	return cfg, nil
}
