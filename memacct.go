package iostack

import "sync/atomic"

// MemKind classifies an allocation for memory accounting.
type MemKind int

const (
	MemAset MemKind = iota
	MemDSM
	MemGeneration
	MemSlab
	memKinds
)

func (k MemKind) String() string {
	switch k {
	case MemAset:
		return "aset"
	case MemDSM:
		return "dsm"
	case MemGeneration:
		return "generation"
	case MemSlab:
		return "slab"
	default:
		return "unknown"
	}
}

// MemoryAccountant tracks buffer memory charged to the I/O stack. Reserve
// returns false when the allocation would exceed the configured limit; the
// caller must not allocate in that case. Release returns previously reserved
// bytes.
type MemoryAccountant interface {
	Reserve(bytes int64, kind MemKind) bool
	Release(bytes int64, kind MemKind)
}

// nopAccountant accepts every reservation. Used when no accountant is
// configured.
type nopAccountant struct{}

func (nopAccountant) Reserve(int64, MemKind) bool { return true }
func (nopAccountant) Release(int64, MemKind)      {}

// SharedTotal is the cluster-wide tier of memory accounting: an atomic total
// shared by every process, checked against a single limit. Updates go through
// compare-and-swap so the total stays monotonic under concurrent processes.
type SharedTotal struct {
	total atomic.Int64
	limit int64
}

// NewSharedTotal creates a shared total with the given limit in bytes.
// A limit of 0 means unlimited.
func NewSharedTotal(limit int64) *SharedTotal {
	return &SharedTotal{limit: limit}
}

// Total returns the bytes currently granted across all accountants.
func (s *SharedTotal) Total() int64 {
	return s.total.Load()
}

// grant attempts to add n bytes to the shared total, failing if the limit
// would be exceeded.
func (s *SharedTotal) grant(n int64) bool {
	for {
		cur := s.total.Load()
		if s.limit > 0 && cur+n > s.limit {
			return false
		}
		if s.total.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}

func (s *SharedTotal) ungrant(n int64) {
	s.total.Add(-n)
}

// VMAccountant is the process-local tier. The hot path updates a plain local
// counter and compares it against watermarks; only when a watermark is
// crossed does the slow path touch the shared atomic total, refilling the
// local quota in chunks. A VMAccountant is not safe for concurrent use; each
// process context owns its own.
type VMAccountant struct {
	shared  *SharedTotal
	chunk   int64
	used    int64
	granted int64
	perKind [memKinds]int64
}

// DefaultAccountChunk is the quota refill granularity.
const DefaultAccountChunk = 1 << 20

// NewVMAccountant creates a process-local accountant drawing quota from the
// shared total in chunks of chunk bytes.
func NewVMAccountant(shared *SharedTotal, chunk int64) *VMAccountant {
	if chunk <= 0 {
		chunk = DefaultAccountChunk
	}
	return &VMAccountant{shared: shared, chunk: chunk}
}

// Reserve charges n bytes of the given kind.
func (a *VMAccountant) Reserve(n int64, kind MemKind) bool {
	if n < 0 {
		return false
	}
	if a.used+n > a.granted {
		need := roundUp(a.used+n-a.granted, a.chunk)
		if !a.shared.grant(need) {
			return false
		}
		a.granted += need
	}
	a.used += n
	a.perKind[kind] += n
	return true
}

// Release returns n bytes of the given kind. Surplus local quota beyond two
// chunks is handed back to the shared total.
func (a *VMAccountant) Release(n int64, kind MemKind) {
	a.used -= n
	a.perKind[kind] -= n
	if surplus := a.granted - a.used; surplus > 2*a.chunk {
		back := surplus - a.chunk
		a.shared.ungrant(back)
		a.granted -= back
	}
}

// Used returns the bytes currently charged for the given kind.
func (a *VMAccountant) Used(kind MemKind) int64 {
	return a.perKind[kind]
}

// allocBuf reserves and allocates a block buffer.
func allocBuf(acct MemoryAccountant, n int64, kind MemKind) ([]byte, error) {
	if !acct.Reserve(n, kind) {
		return nil, ErrMemoryLimit
	}
	return make([]byte, n), nil
}

// freeBuf releases a buffer allocated through allocBuf.
func freeBuf(acct MemoryAccountant, buf []byte, kind MemKind) {
	if buf != nil {
		acct.Release(int64(cap(buf)), kind)
	}
}
