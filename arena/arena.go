// Package arena implements a user-space heap allocator over a single
// fixed-size byte region obtained once from the host.
//
// The arena is a linear sequence of variable-size blocks, each carrying a
// boundary-tagged header and footer. Free blocks are additionally threaded
// onto a doubly-linked free list using plain Go pointers into the arena
// slice; that's safe because the arena is allocated once in New and never
// resized or moved for its lifetime. Three placement policies are
// available: FIRST-FIT, NEXT-FIT, and BEST-FIT.
package arena

import (
	"fmt"
	"io"
	"log"
	"os"
	"unsafe"
)

// Algorithm selects the placement policy used by a new Arena.
type Algorithm int

const (
	FirstFit Algorithm = iota
	NextFit
	BestFit
)

func (alg Algorithm) String() string {
	switch alg {
	case FirstFit:
		return "first-fit"
	case NextFit:
		return "next-fit"
	case BestFit:
		return "best-fit"
	default:
		return "unknown"
	}
}

const (
	// DefaultCapacity is the arena size used when no Option overrides it.
	DefaultCapacity uintptr = 1 << 20

	// Alignment is the payload alignment. Payload sizes are multiples of
	// it, which leaves the low bit of the size word free to encode the
	// allocated flag.
	Alignment uintptr = 8
)

// header sits at the low address of every block. next/prev thread the
// block onto the free list and are undefined while the block is allocated.
type header struct {
	requestedSize uintptr
	size          uintptr // payload size; low bit is the ALLOC flag
	next          *header
	prev          *header
}

// footer mirrors header.size, enabling O(1) backward traversal.
type footer struct {
	size uintptr
}

var (
	headerSize = unsafe.Sizeof(header{})
	footerSize = unsafe.Sizeof(footer{})
)

func payloadSize(size uintptr) uintptr { return size &^ 1 }
func isAlloc(size uintptr) bool        { return size&1 == 1 }
func roundUp8(n uintptr) uintptr       { return (n + 7) &^ 7 }

// config holds the constructor options for New.
type config struct {
	capacity uintptr
	diagOut  io.Writer
}

func defaultConfig() *config {
	return &config{capacity: DefaultCapacity, diagOut: os.Stderr}
}

// Option configures an Arena at construction time.
type Option func(*config)

// WithArenaCapacity overrides the default 1 MiB arena size. Primarily
// useful for tests that want a small arena to exercise edge cases cheaply.
func WithArenaCapacity(n uintptr) Option {
	return func(c *config) { c.capacity = n }
}

// WithDiagnostics routes the advisory diagnostic lines (not a heap pointer,
// double free, not a malloced address) to w instead of os.Stderr.
func WithDiagnostics(w io.Writer) Option {
	return func(c *config) { c.diagOut = w }
}

// Arena is a single fixed-size heap. Its zero value is not usable; create
// one with New. Not safe for concurrent use.
type Arena struct {
	algorithm Algorithm
	region    []byte
	base      unsafe.Pointer
	capacity  uintptr

	freeHead    *header
	nextFitTail *header

	diag *log.Logger
}

// New acquires a fresh arena from the host, fills it with a 0xFF sentinel
// pattern, and imprints one free block spanning the entire region.
func New(algorithm Algorithm, opts ...Option) (*Arena, error) {
	if algorithm != FirstFit && algorithm != NextFit && algorithm != BestFit {
		return nil, fmt.Errorf("arena: unknown algorithm %d", algorithm)
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.capacity < headerSize+footerSize+Alignment {
		return nil, fmt.Errorf("arena: capacity %d too small to hold a single block", cfg.capacity)
	}

	region := make([]byte, cfg.capacity)
	for i := range region {
		region[i] = 0xFF
	}

	a := &Arena{
		algorithm: algorithm,
		region:    region,
		base:      unsafe.Pointer(&region[0]),
		capacity:  cfg.capacity,
		diag:      log.New(cfg.diagOut, "", 0),
	}

	root := (*header)(a.base)
	root.requestedSize = 0
	root.size = cfg.capacity - headerSize - footerSize
	root.next = nil
	root.prev = nil
	a.footerOf(root).size = root.size

	a.freeHead = root
	a.nextFitTail = root

	return a, nil
}

func (a *Arena) footerOf(h *header) *footer {
	p := unsafe.Add(unsafe.Pointer(h), headerSize+payloadSize(h.size))
	return (*footer)(p)
}

// nextBlockOf returns the physical next block, or nil if h is the last
// block in the arena.
func (a *Arena) nextBlockOf(h *header) *header {
	if h == nil {
		return nil
	}
	p := unsafe.Add(unsafe.Pointer(h), headerSize+payloadSize(h.size)+footerSize)
	if uintptr(p) >= uintptr(a.base)+a.capacity {
		return nil
	}
	return (*header)(p)
}

// prevBlockOf returns the physical previous block, or nil if h is the
// first block in the arena.
func (a *Arena) prevBlockOf(h *header) *header {
	if h == nil {
		return nil
	}
	fp := unsafe.Add(unsafe.Pointer(h), -int(footerSize))
	if uintptr(fp) < uintptr(a.base) {
		return nil
	}
	f := (*footer)(fp)
	prevPayload := payloadSize(f.size)
	hp := unsafe.Add(fp, -int(headerSize+prevPayload))
	return (*header)(hp)
}

// fits reports whether h can satisfy a request for padded bytes: either an
// exact match, or enough room to carve a full header+footer remainder.
func fits(h *header, padded uintptr) bool {
	p := payloadSize(h.size)
	return p == padded || p >= headerSize+padded+footerSize
}

func (a *Arena) findFreeBlock(padded uintptr) *header {
	switch a.algorithm {
	case FirstFit:
		for h := a.freeHead; h != nil; h = h.next {
			if fits(h, padded) {
				return h
			}
		}
	case NextFit:
		for h := a.nextFitTail; h != nil; h = h.next {
			if fits(h, padded) {
				return h
			}
		}
		for h := a.freeHead; h != nil && h != a.nextFitTail; h = h.next {
			if fits(h, padded) {
				return h
			}
		}
	case BestFit:
		var best *header
		for h := a.freeHead; h != nil; h = h.next {
			if fits(h, padded) {
				if best == nil || payloadSize(h.size) < payloadSize(best.size) {
					best = h
				}
			}
		}
		return best
	}
	return nil
}

// Alloc returns a pointer to a payload of at least size bytes, or nil if
// size is zero or no free block fits.
func (a *Arena) Alloc(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	padded := roundUp8(size)

	free := a.findFreeBlock(padded)
	if free == nil {
		return nil
	}

	oldPayload := payloadSize(free.size)
	oldNext := free.next
	oldPrev := free.prev

	free.requestedSize = size
	free.size = padded | 1
	free.next = nil
	free.prev = nil
	a.footerOf(free).size = free.size

	if padded == oldPayload {
		if oldPrev != nil {
			oldPrev.next = oldNext
		} else {
			a.freeHead = oldNext
		}
		if oldNext != nil {
			oldNext.prev = oldPrev
		}
		a.nextFitTail = a.freeHead
	} else {
		remainder := a.nextBlockOf(free)
		remainder.requestedSize = 0
		remainder.size = oldPayload - headerSize - footerSize - padded
		remainder.next = oldNext
		remainder.prev = oldPrev
		a.footerOf(remainder).size = remainder.size

		if oldPrev != nil {
			oldPrev.next = remainder
		} else {
			a.freeHead = remainder
		}
		if oldNext != nil {
			oldNext.prev = remainder
		}
		a.nextFitTail = remainder
	}

	return unsafe.Add(unsafe.Pointer(free), headerSize)
}

// Free releases a pointer previously returned by Alloc/Realloc. A nil
// pointer is a no-op. Misuse is reported via an advisory diagnostic line
// rather than a panic; the arena is left unmodified on every error path.
func (a *Arena) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	base := uintptr(a.base)
	end := base + a.capacity
	p := uintptr(ptr)
	if p < base || p >= end {
		a.diag.Println("error: not a heap pointer")
	}

	var found *header
	for h := (*header)(a.base); h != nil; h = a.nextBlockOf(h) {
		if unsafe.Add(unsafe.Pointer(h), headerSize) == ptr {
			found = h
			break
		}
	}
	if found == nil {
		a.diag.Println("error: not a malloced address")
		return
	}
	if !isAlloc(found.size) {
		a.diag.Println("error: double free")
		return
	}

	found.requestedSize = 0
	found.size = payloadSize(found.size)
	a.footerOf(found).size = found.size

	if next := a.nextBlockOf(found); next != nil && !isAlloc(next.size) {
		if next == a.nextFitTail {
			a.nextFitTail = found
		}
		if next.prev != nil {
			next.prev.next = next.next
		} else {
			a.freeHead = next.next
		}
		if next.next != nil {
			next.next.prev = next.prev
		}
		found.size = found.size + payloadSize(next.size) + headerSize + footerSize
		a.footerOf(found).size = found.size
	}

	if prev := a.prevBlockOf(found); prev != nil && !isAlloc(prev.size) {
		if found == a.nextFitTail || prev == a.nextFitTail {
			a.nextFitTail = prev
		}
		if prev.prev != nil {
			prev.prev.next = prev.next
		} else {
			a.freeHead = prev.next
		}
		if prev.next != nil {
			prev.next.prev = prev.prev
		}
		prev.size = prev.size + payloadSize(found.size) + headerSize + footerSize
		a.footerOf(prev).size = prev.size
		found = prev
	}

	found.prev = nil
	found.next = a.freeHead
	if a.freeHead != nil {
		a.freeHead.prev = found
	}
	a.freeHead = found
}

// Realloc resizes the block at ptr to size bytes, growing in place by
// absorbing a free physical neighbor when possible, else relocating.
func (a *Arena) Realloc(ptr unsafe.Pointer, size uintptr) unsafe.Pointer {
	if ptr == nil && size == 0 {
		return nil
	}
	if ptr == nil {
		return a.Alloc(size)
	}
	if size == 0 {
		a.Free(ptr)
		return nil
	}

	padded := roundUp8(size)
	h := (*header)(unsafe.Add(ptr, -int(headerSize)))
	currentPayload := payloadSize(h.size)

	if currentPayload >= padded {
		return ptr
	}

	if next := a.nextBlockOf(h); next != nil && !isAlloc(next.size) {
		nextPayload := payloadSize(next.size)
		if currentPayload+nextPayload >= padded {
			wasTail := next == a.nextFitTail
			nPrev := next.prev
			nNext := next.next

			h.requestedSize = size
			h.size = padded | 1
			a.footerOf(h).size = h.size

			remainder := a.nextBlockOf(h)
			remainder.requestedSize = 0
			remainder.size = currentPayload + nextPayload - padded
			remainder.next = nNext
			remainder.prev = nPrev
			a.footerOf(remainder).size = remainder.size

			if nPrev != nil {
				nPrev.next = remainder
			} else {
				a.freeHead = remainder
			}
			if nNext != nil {
				nNext.prev = remainder
			}
			// Moved after the splice so that falling back to freeHead never
			// lands on the absorbed block's old header.
			if wasTail {
				if nNext != nil {
					a.nextFitTail = nNext
				} else {
					a.nextFitTail = a.freeHead
				}
			}

			return ptr
		}
	}

	// Relocate: grow-in-place is impossible.
	oldRequested := h.requestedSize
	newPtr := a.Alloc(size)
	if newPtr == nil {
		return nil
	}

	copySize := oldRequested
	if size < copySize {
		copySize = size
	}
	if copySize > 0 {
		src := unsafe.Slice((*byte)(ptr), copySize)
		dst := unsafe.Slice((*byte)(newPtr), copySize)
		copy(dst, src)
	}

	a.Free(ptr)
	return newPtr
}

// Utilization returns the ratio of requested bytes to bytes spanned up to
// the last free block, or 1.0 if no bytes have been committed.
func (a *Arena) Utilization() float64 {
	lastFree := a.base
	var requested uintptr

	for h := (*header)(a.base); h != nil; h = a.nextBlockOf(h) {
		if isAlloc(h.size) {
			requested += h.requestedSize
		} else {
			lastFree = unsafe.Pointer(h)
		}
	}

	used := uintptr(lastFree) - uintptr(a.base)
	if used == 0 {
		return 1.0
	}
	return float64(requested) / float64(used)
}

// Teardown releases the arena back to the host.
func (a *Arena) Teardown() {
	a.region = nil
	a.base = nil
	a.freeHead = nil
	a.nextFitTail = nil
}
