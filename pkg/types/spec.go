package types

import (
	"encoding/json"
	"time"
)

// Spec is an immutable specification snapshot. History for one object
// is append-only: updates write a new row and repoint the owner.
type Spec struct {
	Key       string // uuid
	CreatedAt time.Time
	KindName  string // Cargo | Vm | Resource
	KindKey   string // owner key
	Version   string
	Data      json.RawMessage
	Metadata  json.RawMessage `json:",omitempty"`
}

// ObjPsStatusKind is the closed enumeration of object statuses. The
// transient -ing forms are the in-flight counterparts the reconciler
// moves through before settling on a terminal value.
type ObjPsStatusKind string

const (
	ObjPsStatusCreate     ObjPsStatusKind = "Create"
	ObjPsStatusStarting   ObjPsStatusKind = "Starting"
	ObjPsStatusStart      ObjPsStatusKind = "Start"
	ObjPsStatusStopping   ObjPsStatusKind = "Stopping"
	ObjPsStatusStop       ObjPsStatusKind = "Stop"
	ObjPsStatusUpdating   ObjPsStatusKind = "Updating"
	ObjPsStatusUpdate     ObjPsStatusKind = "Update"
	ObjPsStatusDestroying ObjPsStatusKind = "Destroying"
	ObjPsStatusDestroy    ObjPsStatusKind = "Destroy"
	ObjPsStatusFinish     ObjPsStatusKind = "Finish"
	ObjPsStatusFail       ObjPsStatusKind = "Fail"
	ObjPsStatusUnknown    ObjPsStatusKind = "Unknown"
)

// ObjPsStatus is the desired/actual status pair of a living object.
// Writes always preserve the previous values.
type ObjPsStatus struct {
	Key        string // object key
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Wanted     ObjPsStatusKind
	PrevWanted ObjPsStatusKind
	Actual     ObjPsStatusKind
	PrevActual ObjPsStatusKind
}
