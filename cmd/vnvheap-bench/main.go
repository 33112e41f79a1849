// Package main provides vnvheap-bench, a latency benchmark for the vNV-Heap
// allocate/get/mut/persist operations, mirroring cmd/tk-bench's
// flag-driven/report-writing shape but measuring the library in-process
// instead of shelling out to hyperfine.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/markus-gerber/vnv-heap/internal/testutil/model"
	"github.com/markus-gerber/vnv-heap/pkg/storage"
	"github.com/markus-gerber/vnv-heap/pkg/vnvheap"
)

// record is the fixed-size payload type allocated by every benchmark
// iteration; its size stands in for a "typical" small resident object.
type record [64]byte

func main() {
	var (
		ramSize        = flag.Int("ram-size", 1<<16, "resident RAM buffer size in bytes")
		storageSize    = flag.Int("storage-size", 1<<22, "non-resident storage size in bytes")
		storagePath    = flag.String("storage-path", "", "backing file path (empty = in-memory storage.Memory)")
		dirtyCap       = flag.Uint64("dirty-cap", 1<<20, "MaxDirtyBytes in the heap config")
		headerOverhead = flag.Uint64("header-overhead", 16, "HeaderOverhead in the heap config")
		residentKind   = flag.String("resident", "firstfit", "resident allocator: firstfit|buddy")
		iterations     = flag.Int("iterations", 20000, "number of allocate/mut/get iterations")
		objectCount    = flag.Int("objects", 256, "number of live objects rotated through get/mut")
		persistEvery   = flag.Int("persist-every", 500, "run persist_all once every N iterations, 0 disables")
		seed           = flag.Int64("seed", 1, "PRNG seed for the op stream")
	)

	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: vnvheap-bench [flags]\n\n")
		fmt.Fprint(os.Stderr, "Measures allocate/get/mut/persist latency against an in-process vNV-Heap.\n\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg := vnvheap.DefaultConfig()
	cfg.MaxDirtyBytes = *dirtyCap
	cfg.HeaderOverhead = *headerOverhead

	switch *residentKind {
	case "buddy":
		cfg.Resident = vnvheap.ResidentBuddy
	case "firstfit":
		cfg.Resident = vnvheap.ResidentFirstFit
	default:
		logger.Error("unknown -resident kind", "value", *residentKind)
		os.Exit(1)
	}

	port, closer, err := openPort(*storagePath, *storageSize)
	if err != nil {
		logger.Error("open storage port", "err", err)
		os.Exit(1)
	}
	defer closer()

	heap, err := vnvheap.New(make([]byte, *ramSize), port, cfg, nil, nil)
	if err != nil {
		logger.Error("construct heap", "err", err)
		os.Exit(1)
	}

	logger.Info("running benchmark",
		"ram_size", *ramSize, "storage_size", *storageSize, "resident", *residentKind,
		"dirty_cap", *dirtyCap, "iterations", *iterations, "objects", *objectCount)

	report := run(heap, *iterations, *objectCount, *persistEvery, *seed)
	report.print(logger)

	if stats := heap.PersistStats(); stats != nil {
		logger.Info("locked critical section WCET", "max", stats.Max(), "last", stats.Last())
	}
}

func openPort(path string, size int) (storage.Port, func(), error) {
	if path == "" {
		return storage.NewMemory(size), func() {}, nil
	}

	if _, statErr := os.Stat(path); statErr != nil {
		if err := storage.Format(path, size); err != nil {
			return nil, nil, fmt.Errorf("format storage file: %w", err)
		}
	}

	f, err := storage.OpenFile(path, size)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage file: %w", err)
	}

	return f, func() { _ = f.Close() }, nil
}

// latencies accumulates op durations in arrival order; summarize sorts a
// copy so the report can print min/median/max without pulling in a stats
// library.
type latencies struct {
	samples []time.Duration
}

func (l *latencies) add(d time.Duration) { l.samples = append(l.samples, d) }

func (l *latencies) summarize() (min, median, max time.Duration) {
	if len(l.samples) == 0 {
		return 0, 0, 0
	}

	sorted := append([]time.Duration(nil), l.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return sorted[0], sorted[len(sorted)/2], sorted[len(sorted)-1]
}

type benchReport struct {
	allocate, get, mut, persist latencies
	persistRuns                 int
}

func (r *benchReport) print(logger *slog.Logger) {
	for label, l := range map[string]*latencies{
		"allocate": &r.allocate,
		"get":      &r.get,
		"mut":      &r.mut,
		"persist":  &r.persist,
	} {
		min, median, max := l.summarize()
		logger.Info("latency", "op", label, "n", len(l.samples), "min", min, "median", median, "max", max)
	}
}

// run drives a seeded allocate/get/mut op stream against heap, the same
// Generator used by the §8 scenario tests, but timing every op instead of
// cross-checking it against a Reference model.
func run(heap *vnvheap.Heap, iterations, objectCount, persistEvery int, seed int64) *benchReport {
	report := &benchReport{}
	gen := model.NewGenerator(seed, objectCount)

	var handles []vnvheap.Handle[record]

	for i := 0; i < iterations; i++ {
		op := gen.Next()

		switch op.Kind {
		case model.OpAllocate:
			var value record
			copy(value[:], op.Value[:])

			start := time.Now()

			h, err := vnvheap.Allocate(heap, value)
			if err != nil {
				continue
			}

			report.allocate.add(time.Since(start))
			handles = append(handles, h)

		case model.OpGetMutMutate, model.OpGetMutNoop:
			if op.Target >= len(handles) {
				continue
			}

			start := time.Now()

			m, err := handles[op.Target].GetMut()
			if err != nil {
				continue
			}

			if op.Kind == model.OpGetMutMutate {
				v := m.Value()
				copy(v[:], op.Value[:])
				m.Set(v)
			}

			m.Drop()
			report.mut.add(time.Since(start))

		case model.OpGet:
			if op.Target >= len(handles) {
				continue
			}

			start := time.Now()

			v, err := handles[op.Target].Get()
			if err != nil {
				continue
			}

			v.Drop()
			report.get.add(time.Since(start))
		}

		if persistEvery > 0 && i%persistEvery == persistEvery-1 {
			start := time.Now()

			if err := heap.PersistAll(); err == nil {
				report.persist.add(time.Since(start))
				report.persistRuns++
			}
		}
	}

	return report
}
