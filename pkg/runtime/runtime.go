// Package runtime abstracts the container runtime behind a typed
// client. The process controller is the only daemon component that
// talks to it.
package runtime

import (
	"context"
	"io"
	"time"

	"github.com/nanocl-io/nanocl/pkg/types"
)

// ExecInspect is the state of one exec session.
type ExecInspect struct {
	ID          string
	ContainerID string
	Running     bool
	ExitCode    int
	Cmd         []string
	Tty         bool
}

// Runtime is the docker-compatible contract the daemon relies on.
// Implementations return typed operation results and streams for
// pull, logs and attach.
type Runtime interface {
	// Containers
	CreateContainer(ctx context.Context, name string, spec *types.ContainerSpec, labels map[string]string) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RestartContainer(ctx context.Context, id string, timeout time.Duration) error
	KillContainer(ctx context.Context, id string, signal string) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	InspectContainer(ctx context.Context, id string) (*types.ProcessData, error)
	WaitContainer(ctx context.Context, id string, cond types.WaitCondition) (int, error)
	Logs(ctx context.Context, id string) (io.ReadCloser, error)
	AttachContainer(ctx context.Context, id string) (io.ReadWriteCloser, error)

	// Images
	PullImage(ctx context.Context, ref string) error

	// Exec sessions
	CreateExec(ctx context.Context, containerID string, cmd []string, tty bool) (string, error)
	StartExec(ctx context.Context, execID string) (io.ReadCloser, error)
	InspectExec(ctx context.Context, execID string) (*ExecInspect, error)

	// Networks (one per namespace)
	EnsureNetwork(ctx context.Context, name string) (gateway string, err error)
	RemoveNetwork(ctx context.Context, name string) error

	// Info
	Info(ctx context.Context) (types.RuntimeInfo, error)

	Close() error
}
