package header

import "errors"

// Every operation failure wraps exactly one of these sentinels so the
// invoke surface can report a stable status to remote callers.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrExists          = errors.New("already exists")
	ErrUnsupported     = errors.New("unsupported")
	ErrStale           = errors.New("stale")
	ErrBusy            = errors.New("busy")
	ErrCorrupt         = errors.New("corrupt metadata")
)

// Status is the wire-level result code of an operation.
type Status int

const (
	StatusOK Status = iota
	StatusInvalidArgument
	StatusNotFound
	StatusExists
	StatusUnsupported
	StatusStale
	StatusBusy
	StatusCorrupt
	StatusInternal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInvalidArgument:
		return "invalid-argument"
	case StatusNotFound:
		return "not-found"
	case StatusExists:
		return "already-exists"
	case StatusUnsupported:
		return "unsupported"
	case StatusStale:
		return "stale"
	case StatusBusy:
		return "busy"
	case StatusCorrupt:
		return "corrupt"
	default:
		return "internal"
	}
}

// StatusOf maps an operation error to its Status. A nil error is StatusOK,
// an error outside the taxonomy is StatusInternal.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrInvalidArgument):
		return StatusInvalidArgument
	case errors.Is(err, ErrNotFound):
		return StatusNotFound
	case errors.Is(err, ErrExists):
		return StatusExists
	case errors.Is(err, ErrUnsupported):
		return StatusUnsupported
	case errors.Is(err, ErrStale):
		return StatusStale
	case errors.Is(err, ErrBusy):
		return StatusBusy
	case errors.Is(err, ErrCorrupt):
		return StatusCorrupt
	default:
		return StatusInternal
	}
}
