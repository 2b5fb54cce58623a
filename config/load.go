package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/inhies/go-bytesize"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v2"
)

// field describes one configurable value. Names are matched after removing
// dashes and underscores and lower-casing, so "max-heap-size", "maxHeapSize"
// and "max_heap_size" all name the same field.
type field struct {
	name string
	set  func(c *Config, v string) error
}

func sizeField(name string, get func(c *Config) *uint64) field {
	return field{name, func(c *Config, v string) error {
		n, err := ParseSize(v)
		if err != nil {
			return err
		}
		*get(c) = n
		return nil
	}}
}

func boolField(name string, get func(c *Config) *bool) field {
	return field{name, func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*get(c) = b
		return nil
	}}
}

func intField(name string, get func(c *Config) *int) field {
	return field{name, func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*get(c) = n
		return nil
	}}
}

func floatField(name string, get func(c *Config) *float64) field {
	return field{name, func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*get(c) = f
		return nil
	}}
}

func durationField(name string, get func(c *Config) *time.Duration) field {
	return field{name, func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*get(c) = d
		return nil
	}}
}

func stringField(name string, get func(c *Config) *string) field {
	return field{name, func(c *Config, v string) error {
		*get(c) = v
		return nil
	}}
}

var fields = []field{
	sizeField("max-heap-size", func(c *Config) *uint64 { return &c.MaxHeapSize }),
	sizeField("min-heap-size", func(c *Config) *uint64 { return &c.MinHeapSize }),
	sizeField("min-semi-space-size", func(c *Config) *uint64 { return &c.MinSemiSpaceSize }),
	sizeField("max-semi-space-size", func(c *Config) *uint64 { return &c.MaxSemiSpaceSize }),
	sizeField("semi-space-trigger-concurrent-mark", func(c *Config) *uint64 { return &c.SemiSpaceTriggerConcurrentMark }),
	sizeField("semi-space-step-overshoot-size", func(c *Config) *uint64 { return &c.SemiSpaceStepOvershootSize }),
	sizeField("non-movable-space-size", func(c *Config) *uint64 { return &c.NonMovableSpaceSize }),
	sizeField("read-only-space-size", func(c *Config) *uint64 { return &c.ReadOnlySpaceSize }),
	sizeField("snapshot-space-size", func(c *Config) *uint64 { return &c.SnapshotSpaceSize }),
	sizeField("machine-code-space-size", func(c *Config) *uint64 { return &c.MachineCodeSpaceSize }),
	sizeField("old-space-step-overshoot-size", func(c *Config) *uint64 { return &c.OldSpaceStepOvershootSize }),
	sizeField("old-space-max-overshoot-size", func(c *Config) *uint64 { return &c.OldSpaceMaxOvershootSize }),
	sizeField("min-old-space-limit", func(c *Config) *uint64 { return &c.MinOldSpaceLimit }),
	sizeField("min-growing-step", func(c *Config) *uint64 { return &c.MinGrowingStep }),
	sizeField("inc-obj-size-threshold-in-sensitive", func(c *Config) *uint64 { return &c.IncObjSizeThresholdInSensitive }),
	sizeField("max-nonmovable-live-obj-size", func(c *Config) *uint64 { return &c.MaxNonmovableLiveObjSize }),
	sizeField("shared-max-heap-size", func(c *Config) *uint64 { return &c.SharedMaxHeapSize }),
	sizeField("default-global-alloc-limit", func(c *Config) *uint64 { return &c.DefaultGlobalAllocLimit }),
	floatField("shared-heap-limit-growing-factor", func(c *Config) *float64 { return &c.SharedHeapLimitGrowingFactor }),
	sizeField("shared-heap-limit-growing-step", func(c *Config) *uint64 { return &c.SharedHeapLimitGrowingStep }),
	sizeField("fragmentation-limit-for-shared-full-gc", func(c *Config) *uint64 { return &c.FragmentationLimitForSharedFullGC }),

	intField("gc-thread-num", func(c *Config) *int { return &c.GCThreadNum }),
	boolField("enable-parallel-gc", func(c *Config) *bool { return &c.EnableParallelGC }),
	boolField("enable-concurrent-mark", func(c *Config) *bool { return &c.EnableConcurrentMark }),
	boolField("enable-shared-concurrent-mark", func(c *Config) *bool { return &c.EnableSharedConcurrentMark }),
	boolField("enable-concurrent-sweep", func(c *Config) *bool { return &c.EnableConcurrentSweep }),
	boolField("enable-heap-verify", func(c *Config) *bool { return &c.EnableHeapVerify }),
	boolField("enable-idle-gc", func(c *Config) *bool { return &c.EnableIdleGC }),
	boolField("enable-optional-log", func(c *Config) *bool { return &c.EnableOptionalLog }),
	stringField("log-level", func(c *Config) *string { return &c.LogLevel }),
	stringField("trace-file", func(c *Config) *string { return &c.TraceFile }),

	floatField("grow-object-survival-rate", func(c *Config) *float64 { return &c.Params.GrowObjectSurvivalRate }),
	floatField("shrink-object-survival-rate", func(c *Config) *float64 { return &c.Params.ShrinkObjectSurvivalRate }),
	floatField("min-object-survival-rate", func(c *Config) *float64 { return &c.Params.MinObjectSurvivalRate }),
	floatField("min-growing-factor", func(c *Config) *float64 { return &c.Params.MinGrowingFactor }),
	floatField("conservative-growing-factor", func(c *Config) *float64 { return &c.Params.ConservativeGrowingFactor }),
	floatField("high-throughput-growing-factor", func(c *Config) *float64 { return &c.Params.HighThroughputGrowingFactor }),
	floatField("pressure-growing-factor", func(c *Config) *float64 { return &c.Params.PressureGrowingFactor }),
	floatField("just-finish-startup-local-ratio", func(c *Config) *float64 { return &c.Params.JustFinishStartupLocalRatio }),
	floatField("just-finish-startup-shared-ratio", func(c *Config) *float64 { return &c.Params.JustFinishStartupSharedRatio }),
	durationField("default-startup-duration", func(c *Config) *time.Duration { return &c.Params.DefaultStartupDuration }),
	durationField("finish-startup-timepoint", func(c *Config) *time.Duration { return &c.Params.FinishStartupTimepoint }),
	floatField("trigger-shared-concurrent-mark-rate", func(c *Config) *float64 { return &c.Params.TriggerSharedConcurrentMarkRate }),
	floatField("cset-live-ratio", func(c *Config) *float64 { return &c.Params.CSetLiveRatio }),
	durationField("idle-time-limit", func(c *Config) *time.Duration { return &c.Params.IdleTimeLimit }),
	durationField("idle-maintain-time", func(c *Config) *time.Duration { return &c.Params.IdleMaintainTime }),
	intField("recorded-rate-length", func(c *Config) *int { return &c.Params.RecordedRateLength }),
}

var fieldsByKey = func() map[string]field {
	m := make(map[string]field, len(fields))
	for _, f := range fields {
		m[normalizeKey(f.name)] = f
	}
	return m
}()

func normalizeKey(key string) string {
	key = strings.ToLower(key)
	key = strings.ReplaceAll(key, "-", "")
	return strings.ReplaceAll(key, "_", "")
}

// Names returns the option names in sorted order.
func Names() []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.name
	}
	sort.Strings(names)
	return names
}

// Set sets a single option by name.
func (c *Config) Set(name, value string) error {
	f, ok := fieldsByKey[normalizeKey(name)]
	if !ok {
		return fmt.Errorf("unknown option %q", name)
	}
	if err := f.set(c, strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("invalid value %q for option %s: %w", value, f.name, err)
	}
	return nil
}

// ParseSize parses a byte size such as "256MB", "512 KB" or a plain number
// of bytes.
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n, nil
	}
	b, err := bytesize.Parse(s)
	if err != nil {
		return 0, err
	}
	return uint64(b), nil
}

// ApplyJSON applies the options of a JSON object to c.
func (c *Config) ApplyJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid json")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return fmt.Errorf("json config must be an object")
	}
	var err error
	root.ForEach(func(key, value gjson.Result) bool {
		// Nested objects group options; their keys are applied as is.
		if value.IsObject() {
			value.ForEach(func(k, v gjson.Result) bool {
				err = c.Set(k.String(), v.String())
				return err == nil
			})
			return err == nil
		}
		err = c.Set(key.String(), value.String())
		return err == nil
	})
	return err
}

// ApplyYAML applies the options of a YAML mapping to c.
func (c *Config) ApplyYAML(data []byte) error {
	var m yaml.MapSlice
	if err := yaml.Unmarshal(data, &m); err != nil {
		return err
	}
	return c.applyMapSlice(m)
}

func (c *Config) applyMapSlice(m yaml.MapSlice) error {
	for _, item := range m {
		key := fmt.Sprint(item.Key)
		switch v := item.Value.(type) {
		case yaml.MapSlice:
			if err := c.applyMapSlice(v); err != nil {
				return err
			}
		case nil:
			return fmt.Errorf("option %s has no value", key)
		default:
			if err := c.Set(key, fmt.Sprint(v)); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplyOptions applies a command-line like options string, for example
// "--max-heap-size=64MB --enable-concurrent-mark=false --gc-thread-num 2".
// A flag without a value sets a boolean option to true.
func (c *Config) ApplyOptions(options string) error {
	args, err := shlex.Split(options)
	if err != nil {
		return err
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			return fmt.Errorf("unexpected argument %q", arg)
		}
		arg = strings.TrimLeft(arg, "-")
		name, value, hasValue := strings.Cut(arg, "=")
		if !hasValue {
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				value = args[i+1]
				i++
			} else {
				value = "true"
			}
		}
		if err := c.Set(name, value); err != nil {
			return err
		}
	}
	return nil
}

// ApplyEnv applies the options string in the GENGC_OPTIONS environment
// variable, if set.
func (c *Config) ApplyEnv() error {
	options := os.Getenv(EnvOptions)
	if options == "" {
		return nil
	}
	if err := c.ApplyOptions(options); err != nil {
		return fmt.Errorf("%s: %w", EnvOptions, err)
	}
	return nil
}

// Load reads a configuration file. The format is picked by extension: .json,
// .yaml/.yml, anything else is read as an options string. The heap class
// defaults are chosen from the max-heap-size in the file, if any.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	apply := func(c *Config) error {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json":
			return c.ApplyJSON(data)
		case ".yaml", ".yml":
			return c.ApplyYAML(data)
		default:
			return c.ApplyOptions(string(data))
		}
	}

	// First pass to find the heap size, second pass on top of the defaults
	// for that size.
	probe := Default()
	if err := apply(probe); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c := ForHeapSize(probe.MaxHeapSize)
	if err := apply(c); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
