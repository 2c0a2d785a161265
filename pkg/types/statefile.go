package types

// Statefile is the declarative bundle applied through /state/apply.
// YAML documents are rebound through JSON, so field names are the wire
// keys for both encodings.
type Statefile struct {
	ApiVersion      string
	Namespace       string                `json:",omitempty"`
	Secrets         []SecretPartial       `json:",omitempty"`
	ResourceKinds   []ResourceKindPartial `json:",omitempty"`
	Resources       []ResourcePartial     `json:",omitempty"`
	Cargoes         []CargoPartial        `json:",omitempty"`
	VirtualMachines []VmPartial           `json:",omitempty"`
	Jobs            []JobPartial          `json:",omitempty"`
}

// StateKind names the object kind of one state stream item.
type StateKind string

const (
	StateKindCargo        StateKind = "Cargo"
	StateKindVm           StateKind = "VirtualMachine"
	StateKindResource     StateKind = "Resource"
	StateKindResourceKind StateKind = "ResourceKind"
	StateKindSecret       StateKind = "Secret"
	StateKindJob          StateKind = "Job"
	StateKindNamespace    StateKind = "Namespace"
)

// StateStatus is the terminal-or-pending status of one state item.
type StateStatus string

const (
	StateStatusPending   StateStatus = "Pending"
	StateStatusFailed    StateStatus = "Failed"
	StateStatusSuccess   StateStatus = "Success"
	StateStatusNotFound  StateStatus = "NotFound"
	StateStatusUnChanged StateStatus = "UnChanged"
)

// StateStream is one item of an apply/remove response stream.
type StateStream struct {
	Key     string
	Kind    StateKind
	Status  StateStatus
	Context string `json:",omitempty"`
}
