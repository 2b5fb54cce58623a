// Package config holds the sizing and tuning parameters of a collector
// runtime and loads them from JSON, YAML or an options string.
package config

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/inhies/go-bytesize"
)

// Common size units.
const (
	KB uint64 = 1024
	MB        = 1024 * KB
	GB        = 1024 * MB
)

// Heap classes used to pick defaults.
const (
	lowMemory    = 64 * MB
	mediumMemory = 128 * MB
	largeMemory  = 256 * MB
)

// EnvOptions is the environment variable read by ApplyEnv.
const EnvOptions = "GENGC_OPTIONS"

// Config is the configuration of one runtime: the sizing of every local heap,
// the sizing of the shared heap and the runtime switches.
type Config struct {
	// Local heap sizing.
	MaxHeapSize                    uint64
	MinHeapSize                    uint64
	MinSemiSpaceSize               uint64
	MaxSemiSpaceSize               uint64
	SemiSpaceTriggerConcurrentMark uint64
	SemiSpaceStepOvershootSize     uint64
	NonMovableSpaceSize            uint64
	ReadOnlySpaceSize              uint64
	SnapshotSpaceSize              uint64
	MachineCodeSpaceSize           uint64
	OldSpaceStepOvershootSize      uint64
	OldSpaceMaxOvershootSize       uint64
	MinOldSpaceLimit               uint64
	MinGrowingStep                 uint64
	IncObjSizeThresholdInSensitive uint64
	MaxNonmovableLiveObjSize       uint64

	// Shared heap sizing.
	SharedMaxHeapSize                 uint64
	DefaultGlobalAllocLimit           uint64
	SharedHeapLimitGrowingFactor      float64
	SharedHeapLimitGrowingStep        uint64
	FragmentationLimitForSharedFullGC uint64

	// Runtime switches.
	GCThreadNum                int
	EnableParallelGC           bool
	EnableConcurrentMark       bool
	EnableSharedConcurrentMark bool
	EnableConcurrentSweep      bool
	EnableHeapVerify           bool
	EnableIdleGC               bool
	EnableOptionalLog          bool
	LogLevel                   string
	TraceFile                  string

	Params Params
}

// ForHeapSize returns the default configuration for a local heap of the given
// maximum size. The shared heap gets the same maximum size.
func ForHeapSize(maxHeapSize uint64) *Config {
	c := &Config{
		MaxHeapSize:                    maxHeapSize,
		SharedMaxHeapSize:              maxHeapSize,
		SharedHeapLimitGrowingFactor:   2,
		GCThreadNum:                    defaultThreadNum(),
		EnableParallelGC:               true,
		EnableConcurrentMark:           true,
		EnableSharedConcurrentMark:     true,
		EnableConcurrentSweep:          true,
		EnableIdleGC:                   false,
		LogLevel:                       "warn",
		IncObjSizeThresholdInSensitive: 40 * MB,
		Params:                         DefaultParams(),
	}
	switch {
	case maxHeapSize < lowMemory:
		c.MinHeapSize = 4 * MB
		c.MinSemiSpaceSize = 1 * MB
		c.MaxSemiSpaceSize = 2 * MB
		c.SemiSpaceTriggerConcurrentMark = 768 * KB
		c.SemiSpaceStepOvershootSize = 1 * MB
		c.NonMovableSpaceSize = 2 * MB
		c.ReadOnlySpaceSize = 256 * KB
		c.SnapshotSpaceSize = 512 * KB
		c.MachineCodeSpaceSize = 1 * MB
		c.OldSpaceStepOvershootSize = 2 * MB
		c.OldSpaceMaxOvershootSize = 4 * MB
		c.MinOldSpaceLimit = 2 * MB
		c.MinGrowingStep = 2 * MB
		c.MaxNonmovableLiveObjSize = 2 * MB
		c.DefaultGlobalAllocLimit = 4 * MB
		c.SharedHeapLimitGrowingStep = 4 * MB
		c.FragmentationLimitForSharedFullGC = 4 * MB
		c.IncObjSizeThresholdInSensitive = 8 * MB
	case maxHeapSize < mediumMemory:
		c.MinHeapSize = 6 * MB
		c.MinSemiSpaceSize = 2 * MB
		c.MaxSemiSpaceSize = 4 * MB
		c.SemiSpaceTriggerConcurrentMark = 1536 * KB
		c.SemiSpaceStepOvershootSize = 2 * MB
		c.NonMovableSpaceSize = 4 * MB
		c.ReadOnlySpaceSize = 256 * KB
		c.SnapshotSpaceSize = 1 * MB
		c.MachineCodeSpaceSize = 2 * MB
		c.OldSpaceStepOvershootSize = 4 * MB
		c.OldSpaceMaxOvershootSize = 8 * MB
		c.MinOldSpaceLimit = 4 * MB
		c.MinGrowingStep = 4 * MB
		c.MaxNonmovableLiveObjSize = 4 * MB
		c.DefaultGlobalAllocLimit = 10 * MB
		c.SharedHeapLimitGrowingStep = 8 * MB
		c.FragmentationLimitForSharedFullGC = 8 * MB
		c.IncObjSizeThresholdInSensitive = 20 * MB
	case maxHeapSize < largeMemory:
		c.MinHeapSize = 10 * MB
		c.MinSemiSpaceSize = 2 * MB
		c.MaxSemiSpaceSize = 8 * MB
		c.SemiSpaceTriggerConcurrentMark = 1536 * KB
		c.SemiSpaceStepOvershootSize = 2 * MB
		c.NonMovableSpaceSize = 8 * MB
		c.ReadOnlySpaceSize = 256 * KB
		c.SnapshotSpaceSize = 2 * MB
		c.MachineCodeSpaceSize = 4 * MB
		c.OldSpaceStepOvershootSize = 8 * MB
		c.OldSpaceMaxOvershootSize = 16 * MB
		c.MinOldSpaceLimit = 8 * MB
		c.MinGrowingStep = 8 * MB
		c.MaxNonmovableLiveObjSize = 8 * MB
		c.DefaultGlobalAllocLimit = 20 * MB
		c.SharedHeapLimitGrowingStep = 20 * MB
		c.FragmentationLimitForSharedFullGC = 20 * MB
	default:
		c.MinHeapSize = 20 * MB
		c.MinSemiSpaceSize = 2 * MB
		c.MaxSemiSpaceSize = 16 * MB
		c.SemiSpaceTriggerConcurrentMark = 1536 * KB
		c.SemiSpaceStepOvershootSize = 2 * MB
		c.NonMovableSpaceSize = 16 * MB
		c.ReadOnlySpaceSize = 256 * KB
		c.SnapshotSpaceSize = 4 * MB
		c.MachineCodeSpaceSize = 8 * MB
		c.OldSpaceStepOvershootSize = 8 * MB
		c.OldSpaceMaxOvershootSize = 32 * MB
		c.MinOldSpaceLimit = 16 * MB
		c.MinGrowingStep = 16 * MB
		c.MaxNonmovableLiveObjSize = 16 * MB
		c.DefaultGlobalAllocLimit = 20 * MB
		c.SharedHeapLimitGrowingStep = 20 * MB
		c.FragmentationLimitForSharedFullGC = 40 * MB
	}
	return c
}

// Default returns the configuration of a 256MB heap.
func Default() *Config {
	return ForHeapSize(largeMemory)
}

func defaultThreadNum() int {
	n := runtime.NumCPU() - 1
	if n < 1 {
		n = 1
	}
	if n > 7 {
		n = 7
	}
	return n
}

// Clone returns a copy of c.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

// FixedCapacity is the capacity taken by every local space other than the
// old space and its compress space.
func (c *Config) FixedCapacity() uint64 {
	return 2*c.MinSemiSpaceSize + c.NonMovableSpaceSize + c.SnapshotSpaceSize +
		c.MachineCodeSpaceSize + c.ReadOnlySpaceSize
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxHeapSize == 0 {
		errs = append(errs, errors.New("max heap size must not be zero"))
	}
	if c.MinSemiSpaceSize == 0 {
		errs = append(errs, errors.New("min semi space size must not be zero"))
	}
	if c.MinSemiSpaceSize > c.MaxSemiSpaceSize {
		errs = append(errs, fmt.Errorf("min semi space size %s exceeds max semi space size %s",
			FormatSize(c.MinSemiSpaceSize), FormatSize(c.MaxSemiSpaceSize)))
	}
	if c.MinHeapSize > c.MaxHeapSize {
		errs = append(errs, fmt.Errorf("min heap size %s exceeds max heap size %s",
			FormatSize(c.MinHeapSize), FormatSize(c.MaxHeapSize)))
	}
	if fixed := c.FixedCapacity(); c.MaxHeapSize < fixed || c.MaxHeapSize-fixed < c.MinOldSpaceLimit {
		errs = append(errs, fmt.Errorf("heap size %s is too small to initialize old space (fixed spaces take %s, min old space limit %s)",
			FormatSize(c.MaxHeapSize), FormatSize(fixed), FormatSize(c.MinOldSpaceLimit)))
	}
	if c.OldSpaceStepOvershootSize > c.OldSpaceMaxOvershootSize {
		errs = append(errs, fmt.Errorf("old space step overshoot %s exceeds max overshoot %s",
			FormatSize(c.OldSpaceStepOvershootSize), FormatSize(c.OldSpaceMaxOvershootSize)))
	}
	if c.SharedMaxHeapSize < c.NonMovableSpaceSize+c.ReadOnlySpaceSize {
		errs = append(errs, fmt.Errorf("shared heap size %s is too small", FormatSize(c.SharedMaxHeapSize)))
	}
	if c.SharedHeapLimitGrowingFactor < 1 {
		errs = append(errs, fmt.Errorf("shared heap growing factor %v is less than 1", c.SharedHeapLimitGrowingFactor))
	}
	if c.GCThreadNum < 1 {
		errs = append(errs, fmt.Errorf("gc thread number %d is less than 1", c.GCThreadNum))
	}
	if err := c.Params.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// FormatSize formats a byte count for logs and errors.
func FormatSize(n uint64) string {
	return bytesize.New(float64(n)).String()
}
