package types

import "time"

// Process is a runtime container instance backing a cargo, vm or job.
// Its key is the runtime container id.
type Process struct {
	Key       string
	Name      string
	Kind      ObjKind // Cargo | Vm | Job
	KindKey   string  // owner key
	NodeKey   string
	CreatedAt time.Time
	Data      ProcessData
}

// ProcessData is the runtime's inspect payload for the instance.
type ProcessData struct {
	Name            string
	Image           string
	State           ProcessState
	NetworkSettings NetworkSettings   `json:",omitempty"`
	Labels          map[string]string `json:",omitempty"`
}

// ProcessState mirrors the runtime container state.
type ProcessState struct {
	Running    bool
	Restarting bool
	Paused     bool `json:",omitempty"`
	ExitCode   int
	Error      string `json:",omitempty"`
	StartedAt  time.Time
	FinishedAt time.Time
}

// NetworkSettings carries per-network addressing of the instance.
type NetworkSettings struct {
	Networks map[string]EndpointSettings `json:",omitempty"`
}

// EndpointSettings is the instance address on one network.
type EndpointSettings struct {
	IPAddress string
	Gateway   string `json:",omitempty"`
}

// ProcessStats aggregates instance states for an owner.
type ProcessStats struct {
	Total   int
	Failed  int
	Success int
	Running int
}

// Runtime labels stamped on every process the daemon owns.
const (
	LabelEnabled   = "io.nanocl"
	LabelKind      = "io.nanocl.kind"
	LabelCargoKey  = "io.nanocl.c"
	LabelVmKey     = "io.nanocl.v"
	LabelJobKey    = "io.nanocl.j"
	LabelNamespace = "io.nanocl.n"
)

// CargoExecPartial is the payload used to create an exec session in a
// cargo instance.
type CargoExecPartial struct {
	Cmd []string `validate:"required,min=1"`
	Tty bool     `json:",omitempty"`
}

// CargoExecCreated returns the id of a created exec session.
type CargoExecCreated struct {
	Id string
}

// ProcessWaitResponse is one item of a wait stream, reporting the exit
// code of a single instance.
type ProcessWaitResponse struct {
	ProcessKey string
	StatusCode int
	Error      string `json:",omitempty"`
}

// OutputKind tags one frame of an exec/attach stream.
type OutputKind string

const (
	OutputStdOut  OutputKind = "StdOut"
	OutputStdErr  OutputKind = "StdErr"
	OutputStdIn   OutputKind = "StdIn"
	OutputConsole OutputKind = "Console"
)

// OutputLog is one frame of a process output stream.
type OutputLog struct {
	Kind OutputKind
	Data string
}
