package engine

import "fmt"

// ActivityLevel is the coarse state of a replicator.
type ActivityLevel int

const (
	Stopped ActivityLevel = iota
	Offline
	Connecting
	Idle
	Busy
)

func (a ActivityLevel) String() string {
	switch a {
	case Stopped:
		return "stopped"
	case Offline:
		return "offline"
	case Connecting:
		return "connecting"
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	default:
		return fmt.Sprintf("activity(%d)", int(a))
	}
}

// Progress counts replicated units.
type Progress struct {
	Completed uint64
	Total     uint64
}

// Done reports whether every known unit has completed.
func (p Progress) Done() bool { return p.Completed >= p.Total }

// Status is a point-in-time view of a replicator.
type Status struct {
	Err      *Failure
	Progress Progress
	Activity ActivityLevel
}

// DocumentFlags describe a replicated document.
type DocumentFlags uint8

const (
	FlagDeleted DocumentFlags = 1 << iota
	FlagAccessRemoved
)

// Has reports whether all bits of flag are set.
func (f DocumentFlags) Has(flag DocumentFlags) bool { return f&flag == flag }

// ReplicatedDocument is one document inside a DocumentReplication event.
type ReplicatedDocument struct {
	Err        *Failure
	Scope      string
	Collection string
	ID         string
	Flags      DocumentFlags
}

// DocumentReplication is a batch of documents moved in one direction.
type DocumentReplication struct {
	Documents []ReplicatedDocument
	IsPush    bool
}

// Failure domains reported by the engine.
const (
	DomainCBL       = "CBL"
	DomainPOSIX     = "POSIX"
	DomainSQLite    = "SQLITE"
	DomainFleece    = "FLEECE"
	DomainNetwork   = "NETWORK"
	DomainWebSocket = "WEBSOCKET"
)

// Failure is a native engine error.
type Failure struct {
	Domain  string
	Message string
	Code    int
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s error %d: %s", f.Domain, f.Code, f.Message)
}
