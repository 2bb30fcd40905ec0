// Command memperf drives a random allocate/free/reallocate workload against
// each placement policy and reports throughput and utilization, mirroring
// the kind of benchmark harness used to grade the allocator this package is
// descended from.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"

	"github.com/malloclab/heapalloc/arena"
)

const (
	defaultOps     = 1 << 16
	defaultPtrs    = 1 << 10
	defaultMaxSize = 512
)

func main() {
	ops := flag.Int("ops", defaultOps, "number of operations to run per algorithm")
	ptrSlots := flag.Int("ptrs", defaultPtrs, "number of live-pointer slots")
	maxSize := flag.Int("max-size", defaultMaxSize, "largest request size in bytes")
	capacity := flag.Uint64("capacity", uint64(arena.DefaultCapacity), "arena capacity in bytes")
	seed := flag.Int64("seed", 1, "PRNG seed")
	flag.Parse()

	algorithms := []arena.Algorithm{arena.FirstFit, arena.NextFit, arena.BestFit}

	for _, alg := range algorithms {
		if err := run(alg, *ops, *ptrSlots, *maxSize, uintptr(*capacity), *seed); err != nil {
			fmt.Fprintln(os.Stderr, "memperf:", err)
			os.Exit(1)
		}
	}
}

func run(alg arena.Algorithm, ops, ptrSlots, maxSize int, capacity uintptr, seed int64) error {
	a, err := arena.New(alg, arena.WithArenaCapacity(capacity))
	if err != nil {
		return fmt.Errorf("constructing arena: %w", err)
	}
	defer a.Teardown()

	rng := rand.New(rand.NewSource(seed))
	slots := make([]unsafe.Pointer, ptrSlots)

	// Non-zeroing scratch buffer: its bytes are copied into freshly
	// allocated blocks purely to exercise the payload, so the zero-fill
	// the runtime would otherwise perform is wasted work.
	scratch := dirtmake.Bytes(maxSize, maxSize)
	for i := range scratch {
		scratch[i] = byte(i)
	}

	start := time.Now()
	for i := 0; i < ops; i++ {
		idx := rng.Intn(ptrSlots)

		switch rng.Intn(3) {
		case 0:
			size := uintptr(rng.Intn(maxSize) + 1)
			if p := a.Alloc(size); p != nil {
				touch(p, scratch, size)
				slots[idx] = p
			}
		case 1:
			a.Free(slots[idx])
			slots[idx] = nil
		case 2:
			size := uintptr(rng.Intn(maxSize) + 1)
			if p := a.Realloc(slots[idx], size); p != nil {
				touch(p, scratch, size)
				slots[idx] = p
			} else {
				slots[idx] = nil
			}
		}
	}
	elapsed := time.Since(start)
	util := a.Utilization()

	for _, p := range slots {
		a.Free(p)
	}

	throughput := float64(ops) / elapsed.Seconds()
	fmt.Printf("%-10s ops=%-8d elapsed=%-12s throughput=%-14.0f utilization=%.4f\n",
		alg, ops, elapsed, throughput, util)

	return nil
}

func touch(p unsafe.Pointer, scratch []byte, size uintptr) {
	dst := unsafe.Slice((*byte)(p), size)
	copy(dst, scratch[:size])
}
