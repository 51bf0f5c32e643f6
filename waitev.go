package iostack

// WaitEvent tags the kind of storage operation in progress at the
// bottom of a stack, so an external monitor can attribute time spent
// waiting on the file store.
type WaitEvent uint8

const (
	WaitNone WaitEvent = iota
	WaitRead
	WaitWrite
	WaitSync
	WaitTruncate
)

func (e WaitEvent) String() string {
	switch e {
	case WaitNone:
		return "none"
	case WaitRead:
		return "read"
	case WaitWrite:
		return "write"
	case WaitSync:
		return "sync"
	case WaitTruncate:
		return "truncate"
	default:
		return "unknown"
	}
}

// WaitReporter observes raw-layer operations. BeginWait is called
// before each system call and EndWait after it returns, on the calling
// goroutine. Implementations must be cheap and must not block.
type WaitReporter interface {
	BeginWait(ev WaitEvent)
	EndWait()
}
