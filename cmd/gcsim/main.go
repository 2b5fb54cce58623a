// Command gcsim runs a synthetic multi-mutator workload against the
// collector and prints the collection statistics of every heap.
//
// Usage:
//
//	gcsim [flags]
//
// The collector is configured from the file given with -config (JSON, YAML or
// an options string), then from the GENGC_OPTIONS environment variable, then
// from -o.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gengc/gengc/config"
	"github.com/gengc/gengc/heap"
	"github.com/gengc/gengc/mem"
	"github.com/gengc/gengc/stats"
)

// workload describes what every mutator does.
type workload struct {
	duration time.Duration
	// live is the number of roots each mutator keeps.
	live int
	// maxWords bounds the payload of an object.
	maxWords int
	// shared is the share of objects that get a shared child.
	shared float64
	// old is the share of objects allocated directly in the old space.
	old float64
}

type result struct {
	ops       uint64
	allocated uint64
}

// run drives the mutator of h until the duration is over or ctx is done.
func (w *workload) run(ctx context.Context, h *heap.LocalHeap, seed uint64) (result, error) {
	var res result
	h.Enter()
	defer h.Leave()

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	roots := make([]heap.Handle, 0, w.live)
	deadline := time.Now().Add(w.duration)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		h.NotifyTaskBegin()
		for i := 0; i < 1024; i++ {
			obj, size, err := w.step(h, rng, roots)
			if err != nil {
				return res, err
			}
			res.ops++
			res.allocated += size
			if len(roots) < w.live {
				roots = append(roots, h.NewHandle(obj))
			} else {
				h.SetHandle(roots[rng.IntN(len(roots))], obj)
			}
		}
		h.CheckAndTriggerTaskFinishedGC()
		if h.TryTriggerIdleCollection() {
			h.TriggerIdleCollection(time.Millisecond)
		}
	}
	return res, nil
}

// step allocates one object. Its first payload word is a reference; the
// object may be linked from a root and may reference a shared object.
func (w *workload) step(h *heap.LocalHeap, rng *rand.Rand, roots []heap.Handle) (mem.Address, uint64, error) {
	words := 2 + rng.IntN(w.maxWords)
	size := uint64(words+1) * mem.WordSize
	alloc := h.AllocateYoung
	if rng.Float64() < w.old {
		alloc = h.AllocateOld
	}
	obj, err := alloc(size, mem.String)
	if err != nil {
		return mem.Null, 0, err
	}
	if rng.Float64() < w.shared {
		s, err := h.AllocateShared(4*mem.WordSize, mem.NoPtrs)
		if err != nil {
			return mem.Null, 0, err
		}
		h.WriteBarrier(obj, obj.Add(mem.WordSize), s)
		size += 4 * mem.WordSize
	}
	if len(roots) > 0 && rng.IntN(4) == 0 {
		parent := h.Deref(roots[rng.IntN(len(roots))])
		h.WriteBarrier(parent, parent.Add(mem.WordSize), obj)
	}
	return obj, size, nil
}

var metrics = []string{
	"/gc/cycles/total:gc-cycles",
	"/gc/cycles/young:gc-cycles",
	"/gc/cycles/old:gc-cycles",
	"/gc/cycles/full:gc-cycles",
	"/gc/cycles/shared:gc-cycles",
	"/gc/heap/promoted:bytes",
	"/gc/heap/freed:bytes",
	"/gc/pauses/total:seconds",
	"/gc/survival/young:ratio",
}

type heapStats struct {
	name      string
	stats     *stats.GCStats
	committed uint64
}

func printStats(w io.Writer, heaps []heapStats) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', tabwriter.AlignRight)
	fmt.Fprint(tw, "heap\tcycles\tyoung\told\tfull\tshared\tpromoted\tfreed\tpause\tsurvival\tcommitted\t\n")
	samples := make([]stats.Sample, len(metrics))
	for i, name := range metrics {
		samples[i].Name = name
	}
	for _, h := range heaps {
		h.stats.Read(samples)
		fmt.Fprintf(tw, "%s\t", h.name)
		for _, s := range samples[:5] {
			fmt.Fprintf(tw, "%d\t", s.Value.Uint64())
		}
		fmt.Fprintf(tw, "%s\t%s\t", config.FormatSize(samples[5].Value.Uint64()), config.FormatSize(samples[6].Value.Uint64()))
		pause := time.Duration(samples[7].Value.Float64() * float64(time.Second))
		fmt.Fprintf(tw, "%v\t%.2f\t%s\t\n", pause.Round(time.Microsecond), samples[8].Value.Float64(), config.FormatSize(h.committed))
	}
	tw.Flush()

	var sum stats.Summary
	sum.PauseQuantiles = make([]time.Duration, 5)
	for _, h := range heaps {
		h.stats.ReadSummary(&sum)
		if sum.NumGC == 0 {
			continue
		}
		fmt.Fprintf(w, "%s: pauses min %v p25 %v p50 %v p75 %v max %v\n", h.name,
			sum.PauseQuantiles[0], sum.PauseQuantiles[1], sum.PauseQuantiles[2], sum.PauseQuantiles[3], sum.PauseQuantiles[4])
	}
}

func loadConfig(path, options string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if options != "" {
		if err := cfg.ApplyOptions(options); err != nil {
			return nil, fmt.Errorf("-o: %w", err)
		}
	}
	return cfg, nil
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: gcsim [flags]")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nCollector options (for -o, %s and the config file):\n", config.EnvOptions)
	for _, name := range config.Names() {
		fmt.Fprintln(os.Stderr, "  "+name)
	}
}

func main() {
	var (
		configPath = flag.String("config", "", "collector configuration `file`")
		options    = flag.String("o", "", "collector options, e.g. \"-max-heap-size=64MB -enable-concurrent-mark\"")
		mutators   = flag.Int("mutators", 4, "number of mutators")
		seed       = flag.Uint64("seed", uint64(time.Now().UnixNano()), "random seed")
		verify     = flag.Bool("verify", false, "verify the heaps around every collection")
		w          workload
	)
	flag.DurationVar(&w.duration, "duration", 2*time.Second, "how long the mutators run")
	flag.IntVar(&w.live, "live", 4096, "roots kept by every mutator")
	flag.IntVar(&w.maxWords, "words", 16, "maximum object payload in words")
	flag.Float64Var(&w.shared, "shared", 0.05, "share of objects referencing a shared object")
	flag.Float64Var(&w.old, "old", 0.01, "share of objects allocated in the old space")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 0 || *mutators < 1 || w.live < 1 || w.maxWords < 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath, *options)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gcsim:", err)
		os.Exit(1)
	}
	if *verify {
		cfg.EnableHeapVerify = true
	}
	if err := simulate(cfg, &w, *mutators, *seed); err != nil {
		fmt.Fprintln(os.Stderr, "gcsim:", err)
		os.Exit(1)
	}
}

func simulate(cfg *config.Config, w *workload, mutators int, seed uint64) error {
	rt, err := heap.NewRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Destroy()

	heaps := make([]*heap.LocalHeap, mutators)
	for i := range heaps {
		if heaps[i], err = rt.NewLocalHeap(fmt.Sprintf("mutator-%d", i)); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	results := make([]result, mutators)
	g, ctx := errgroup.WithContext(ctx)
	start := time.Now()
	for i, h := range heaps {
		i, h := i, h
		g.Go(func() error {
			res, err := w.run(ctx, h, seed+uint64(i))
			results[i] = res
			if err != nil {
				return fmt.Errorf("%s: %w", h.Name(), err)
			}
			return nil
		})
	}
	err = g.Wait()
	elapsed := time.Since(start)
	if errors.Is(err, heap.ErrOutOfMemory) {
		fmt.Fprintln(os.Stderr, "gcsim:", err)
	} else if err != nil {
		return err
	}

	var total result
	for _, res := range results {
		total.ops += res.ops
		total.allocated += res.allocated
	}
	fmt.Printf("%d mutators, %v, seed %d: %d objects, %s allocated (%s/s)\n",
		mutators, elapsed.Round(time.Millisecond), seed, total.ops, config.FormatSize(total.allocated),
		config.FormatSize(uint64(float64(total.allocated)/elapsed.Seconds())))

	list := make([]heapStats, 0, mutators+1)
	for _, h := range heaps {
		list = append(list, heapStats{h.Name(), h.Stats(), h.CommittedSize()})
	}
	sh := rt.SharedHeap()
	list = append(list, heapStats{sh.Name(), sh.Stats(), sh.CommittedSize()})
	printStats(os.Stdout, list)
	return err
}
