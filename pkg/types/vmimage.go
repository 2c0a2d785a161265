package types

import "time"

// VmImageKind distinguishes base images from instance snapshots.
type VmImageKind string

const (
	VmImageKindBase     VmImageKind = "Base"
	VmImageKindSnapshot VmImageKind = "Snapshot"
)

// VmImage is an on-disk VM disk file tracked by the daemon. A Snapshot
// points at its Base through Parent; a Base with snapshots cannot be
// deleted.
type VmImage struct {
	Name        string
	CreatedAt   time.Time
	Kind        VmImageKind
	Path        string
	Format      string
	SizeActual  int64
	SizeVirtual int64
	Parent      string `json:",omitempty"`
}

// VmImageResizePayload requests a resize of an image. Size is in GiB.
type VmImageResizePayload struct {
	Size   uint64
	Shrink bool `json:",omitempty"`
}

// VmImageCloneStream is one frame of a clone progress stream: Progress
// frames until a terminal Done or Error frame.
type VmImageCloneStream struct {
	Progress float64  `json:",omitempty"`
	Done     *VmImage `json:",omitempty"`
	Error    string   `json:",omitempty"`
}
