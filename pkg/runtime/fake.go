package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/types"
)

// FakeRuntime is an in-memory Runtime used by tests. State transitions
// are immediate and deterministic.
type FakeRuntime struct {
	mu         sync.Mutex
	seq        int
	Containers map[string]*FakeContainer
	Networks   map[string]string
	execs      map[string]*ExecInspect

	// FailCreate makes CreateContainer fail for matching images.
	FailCreate map[string]error
}

// FakeContainer is one fake runtime container.
type FakeContainer struct {
	ID         string
	Name       string
	Spec       types.ContainerSpec
	Labels     map[string]string
	Running    bool
	Restarting bool
	Exit       int
	IP         string
}

// NewFake creates an empty fake runtime.
func NewFake() *FakeRuntime {
	return &FakeRuntime{
		Containers: make(map[string]*FakeContainer),
		Networks:   make(map[string]string),
		execs:      make(map[string]*ExecInspect),
		FailCreate: make(map[string]error),
	}
}

func (f *FakeRuntime) Close() error { return nil }

func (f *FakeRuntime) CreateContainer(ctx context.Context, name string, spec *types.ContainerSpec, labels map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.FailCreate[spec.Image]; err != nil {
		return "", err
	}
	f.seq++
	id := fmt.Sprintf("fake-%d", f.seq)
	f.Containers[id] = &FakeContainer{
		ID:     id,
		Name:   name,
		Spec:   *spec,
		Labels: labels,
		IP:     fmt.Sprintf("10.89.0.%d", f.seq+1),
	}
	return id, nil
}

func (f *FakeRuntime) get(id string) (*FakeContainer, error) {
	c, ok := f.Containers[id]
	if !ok {
		return nil, errdefs.NotFound("container not found: %s", id)
	}
	return c, nil
}

func (f *FakeRuntime) StartContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.Running = true
	return nil
}

func (f *FakeRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.Running = false
	return nil
}

func (f *FakeRuntime) RestartContainer(ctx context.Context, id string, timeout time.Duration) error {
	if err := f.StopContainer(ctx, id, timeout); err != nil {
		return err
	}
	return f.StartContainer(ctx, id)
}

func (f *FakeRuntime) KillContainer(ctx context.Context, id string, signal string) error {
	return f.StopContainer(ctx, id, 0)
}

func (f *FakeRuntime) RemoveContainer(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Containers[id]; !ok {
		return errdefs.NotFound("container not found: %s", id)
	}
	delete(f.Containers, id)
	return nil
}

func (f *FakeRuntime) InspectContainer(ctx context.Context, id string) (*types.ProcessData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return nil, err
	}
	networks := map[string]types.EndpointSettings{}
	if ns := c.Labels[types.LabelNamespace]; ns != "" {
		networks[ns] = types.EndpointSettings{IPAddress: c.IP}
	}
	return &types.ProcessData{
		Name:   c.Name,
		Image:  c.Spec.Image,
		Labels: c.Labels,
		State: types.ProcessState{
			Running:    c.Running,
			Restarting: c.Restarting,
			ExitCode:   c.Exit,
		},
		NetworkSettings: types.NetworkSettings{Networks: networks},
	}, nil
}

func (f *FakeRuntime) WaitContainer(ctx context.Context, id string, cond types.WaitCondition) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return -1, err
	}
	return c.Exit, nil
}

func (f *FakeRuntime) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewBufferString("")), nil
}

// AttachContainer returns a loopback console: everything written to it
// is echoed back to the reader.
func (f *FakeRuntime) AttachContainer(ctx context.Context, id string) (io.ReadWriteCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return nil, err
	}
	if !c.Running {
		return nil, errdefs.Conflict("container not running: %s", id)
	}
	pr, pw := io.Pipe()
	return &fakeConsole{pr: pr, pw: pw}, nil
}

type fakeConsole struct {
	pr *io.PipeReader
	pw *io.PipeWriter
}

func (c *fakeConsole) Read(p []byte) (int, error)  { return c.pr.Read(p) }
func (c *fakeConsole) Write(p []byte) (int, error) { return c.pw.Write(p) }

func (c *fakeConsole) Close() error {
	c.pr.Close()
	return c.pw.Close()
}

func (f *FakeRuntime) PullImage(ctx context.Context, ref string) error { return nil }

func (f *FakeRuntime) CreateExec(ctx context.Context, containerID string, cmd []string, tty bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("exec-%d", f.seq)
	f.execs[id] = &ExecInspect{ID: id, ContainerID: containerID, Cmd: cmd, Tty: tty}
	return id, nil
}

func (f *FakeRuntime) StartExec(ctx context.Context, execID string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.execs[execID]; !ok {
		return nil, errdefs.NotFound("exec session not found: %s", execID)
	}
	return io.NopCloser(bytes.NewBufferString("ok\n")), nil
}

func (f *FakeRuntime) InspectExec(ctx context.Context, execID string) (*ExecInspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.execs[execID]
	if !ok {
		return nil, errdefs.NotFound("exec session not found: %s", execID)
	}
	return e, nil
}

func (f *FakeRuntime) EnsureNetwork(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gw := NetworkGateway(name)
	f.Networks[name] = gw
	return gw, nil
}

func (f *FakeRuntime) RemoveNetwork(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Networks, name)
	return nil
}

func (f *FakeRuntime) Info(ctx context.Context) (types.RuntimeInfo, error) {
	return types.RuntimeInfo{Name: "fake", Version: "0.0.0"}, nil
}

// SetRestarting marks a container as stuck in a restart loop.
func (f *FakeRuntime) SetRestarting(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.Containers[id]; ok {
		c.Running = false
		c.Restarting = true
	}
}

// SetExit marks a container stopped with the given exit code.
func (f *FakeRuntime) SetExit(id string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.Containers[id]; ok {
		c.Running = false
		c.Exit = code
	}
}

// ByOwner returns containers labeled with the given owner key label.
func (f *FakeRuntime) ByOwner(label, key string) []*FakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*FakeContainer
	for _, c := range f.Containers {
		if c.Labels[label] == key {
			out = append(out, c)
		}
	}
	return out
}
