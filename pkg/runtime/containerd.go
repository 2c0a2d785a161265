package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	cerrdefs "github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace the daemon owns.
	DefaultNamespace = "nanocl"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdRuntime implements Runtime against containerd.
type ContainerdRuntime struct {
	client     *containerd.Client
	namespace  string
	socketPath string
	netDir     string
}

// NewContainerdRuntime connects to containerd. Network configs are
// rendered as CNI conflists under netDir.
func NewContainerdRuntime(socketPath, netDir string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}
	return &ContainerdRuntime{
		client:     client,
		namespace:  DefaultNamespace,
		socketPath: socketPath,
		netDir:     netDir,
	}, nil
}

// Close closes the containerd client connection.
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdRuntime) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// PullImage pulls a container image from a registry.
func (r *ContainerdRuntime) PullImage(ctx context.Context, ref string) error {
	_, err := r.client.Pull(r.ctx(ctx), ref, containerd.WithPullUnpack)
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// CreateContainer creates a runtime container from a container spec.
func (r *ContainerdRuntime) CreateContainer(ctx context.Context, name string, spec *types.ContainerSpec, labels map[string]string) (string, error) {
	ctx = r.ctx(ctx)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		if err := r.PullImage(ctx, spec.Image); err != nil {
			return "", err
		}
		image, err = r.client.GetImage(ctx, spec.Image)
		if err != nil {
			return "", fmt.Errorf("failed to get image %s: %w", spec.Image, err)
		}
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}
	if len(spec.Entrypoint) > 0 || len(spec.Cmd) > 0 {
		args := append(append([]string{}, spec.Entrypoint...), spec.Cmd...)
		opts = append(opts, oci.WithProcessArgs(args...))
	}
	if spec.WorkingDir != "" {
		opts = append(opts, oci.WithProcessCwd(spec.WorkingDir))
	}
	if mounts := volumeMounts(spec.Volumes); len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	container, err := r.client.NewContainer(
		ctx,
		name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return container.ID(), nil
}

func volumeMounts(volumes []string) []specs.Mount {
	var mounts []specs.Mount
	for _, v := range volumes {
		parts := strings.SplitN(v, ":", 3)
		if len(parts) < 2 {
			continue
		}
		options := []string{"rbind"}
		if len(parts) == 3 && parts[2] == "ro" {
			options = append(options, "ro")
		}
		mounts = append(mounts, specs.Mount{
			Source:      parts[0],
			Destination: parts[1],
			Type:        "bind",
			Options:     options,
		})
	}
	return mounts
}

// StartContainer starts a created container.
func (r *ContainerdRuntime) StartContainer(ctx context.Context, id string) error {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return r.wrap(err, id)
	}
	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}
	return nil
}

// StopContainer stops a running container, SIGTERM then SIGKILL after
// the timeout.
func (r *ContainerdRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return r.wrap(err, id)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means the container is not running.
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to kill task: %w", err)
	}
	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}
	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
	}
	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// RestartContainer stops then starts a container.
func (r *ContainerdRuntime) RestartContainer(ctx context.Context, id string, timeout time.Duration) error {
	if err := r.StopContainer(ctx, id, timeout); err != nil {
		return err
	}
	return r.StartContainer(ctx, id)
}

// KillContainer delivers a signal to the container's init process.
func (r *ContainerdRuntime) KillContainer(ctx context.Context, id string, signal string) error {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return r.wrap(err, id)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return errdefs.Conflict("container %s is not running", id)
	}
	sig := syscall.SIGKILL
	switch strings.TrimPrefix(strings.ToUpper(signal), "SIG") {
	case "TERM":
		sig = syscall.SIGTERM
	case "INT":
		sig = syscall.SIGINT
	case "HUP":
		sig = syscall.SIGHUP
	case "QUIT":
		sig = syscall.SIGQUIT
	}
	return task.Kill(ctx, sig)
}

// RemoveContainer removes a container and its snapshot.
func (r *ContainerdRuntime) RemoveContainer(ctx context.Context, id string, force bool) error {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return r.wrap(err, id)
	}
	if force {
		if err := r.StopContainer(ctx, id, 10*time.Second); err != nil {
			return err
		}
	}
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	return nil
}

// InspectContainer returns the runtime state of a container shaped as
// the daemon's process data payload.
func (r *ContainerdRuntime) InspectContainer(ctx context.Context, id string) (*types.ProcessData, error) {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return nil, r.wrap(err, id)
	}
	info, err := container.Info(ctx)
	if err != nil {
		return nil, err
	}
	data := &types.ProcessData{
		Name:   id,
		Image:  info.Image,
		Labels: info.Labels,
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return data, nil
	}
	status, err := task.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get task status: %w", err)
	}
	switch status.Status {
	case containerd.Running, containerd.Paused:
		data.State.Running = true
	case containerd.Stopped:
		data.State.ExitCode = int(status.ExitStatus)
		data.State.FinishedAt = status.ExitTime
	}
	return data, nil
}

// WaitContainer blocks until the container reaches the condition and
// returns its exit code.
func (r *ContainerdRuntime) WaitContainer(ctx context.Context, id string, cond types.WaitCondition) (int, error) {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return -1, r.wrap(err, id)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		// Not running already satisfies not-running.
		if cond == types.WaitConditionNotRunning {
			return 0, nil
		}
		return -1, r.wrap(err, id)
	}
	statusC, err := task.Wait(ctx)
	if err != nil {
		return -1, err
	}
	status := <-statusC
	if cond == types.WaitConditionRemoved {
		if _, err := task.Delete(ctx); err != nil && !cerrdefs.IsNotFound(err) {
			return -1, err
		}
	}
	return int(status.ExitCode()), nil
}

// Logs streams the container's captured output.
func (r *ContainerdRuntime) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	logPath := filepath.Join(os.TempDir(), "nanocl-logs", id+".log")
	f, err := os.Open(logPath)
	if err != nil {
		return nil, errdefs.NotFound("no logs for container %s", id)
	}
	return f, nil
}

// AttachContainer attaches to the container's console fifo. Used by the
// VM attach websocket.
func (r *ContainerdRuntime) AttachContainer(ctx context.Context, id string) (io.ReadWriteCloser, error) {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return nil, r.wrap(err, id)
	}
	task, err := container.Task(ctx, cio.Load)
	if err != nil {
		return nil, errdefs.Conflict("container %s is not running", id)
	}
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	// Re-attach through a fresh exec of the console shim; the task's
	// original fifos belong to its creator.
	proc, err := task.Exec(ctx, fmt.Sprintf("attach-%d", time.Now().UnixNano()), &specs.Process{
		Args:     []string{"/bin/sh"},
		Cwd:      "/",
		Terminal: true,
	}, cio.NewCreator(cio.WithStreams(inR, outW, outW), cio.WithTerminal))
	if err != nil {
		return nil, err
	}
	if err := proc.Start(ctx); err != nil {
		return nil, err
	}
	return &attachStream{in: inW, out: outR}, nil
}

type attachStream struct {
	in  *io.PipeWriter
	out *io.PipeReader
}

func (s *attachStream) Read(p []byte) (int, error)  { return s.out.Read(p) }
func (s *attachStream) Write(p []byte) (int, error) { return s.in.Write(p) }
func (s *attachStream) Close() error {
	s.in.Close()
	return s.out.Close()
}

// CreateExec prepares an exec session on a running container.
func (r *ContainerdRuntime) CreateExec(ctx context.Context, containerID string, cmd []string, tty bool) (string, error) {
	// The session is materialized on StartExec; the id encodes enough
	// to rebuild it.
	payload, err := json.Marshal(ExecInspect{
		ID:          fmt.Sprintf("exec-%d", time.Now().UnixNano()),
		ContainerID: containerID,
		Cmd:         cmd,
		Tty:         tty,
	})
	if err != nil {
		return "", err
	}
	dir := filepath.Join(os.TempDir(), "nanocl-execs")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	var e ExecInspect
	json.Unmarshal(payload, &e)
	if err := os.WriteFile(filepath.Join(dir, e.ID+".json"), payload, 0600); err != nil {
		return "", err
	}
	return e.ID, nil
}

// StartExec runs a prepared exec session, streaming combined output.
func (r *ContainerdRuntime) StartExec(ctx context.Context, execID string) (io.ReadCloser, error) {
	e, err := r.loadExec(execID)
	if err != nil {
		return nil, err
	}
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, e.ContainerID)
	if err != nil {
		return nil, r.wrap(err, e.ContainerID)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil, errdefs.Conflict("container %s is not running", e.ContainerID)
	}
	outR, outW := io.Pipe()
	creators := []cio.Opt{cio.WithStreams(nil, outW, outW)}
	if e.Tty {
		creators = append(creators, cio.WithTerminal)
	}
	proc, err := task.Exec(ctx, execID, &specs.Process{
		Args:     e.Cmd,
		Cwd:      "/",
		Terminal: e.Tty,
	}, cio.NewCreator(creators...))
	if err != nil {
		return nil, err
	}
	if err := proc.Start(ctx); err != nil {
		return nil, err
	}
	go func() {
		statusC, err := proc.Wait(ctx)
		if err == nil {
			status := <-statusC
			r.saveExecExit(execID, int(status.ExitCode()))
		}
		outW.Close()
	}()
	return outR, nil
}

// InspectExec reads the state of an exec session.
func (r *ContainerdRuntime) InspectExec(ctx context.Context, execID string) (*ExecInspect, error) {
	return r.loadExec(execID)
}

func (r *ContainerdRuntime) loadExec(execID string) (*ExecInspect, error) {
	data, err := os.ReadFile(filepath.Join(os.TempDir(), "nanocl-execs", execID+".json"))
	if err != nil {
		return nil, errdefs.NotFound("exec session not found: %s", execID)
	}
	var e ExecInspect
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *ContainerdRuntime) saveExecExit(execID string, code int) {
	e, err := r.loadExec(execID)
	if err != nil {
		return
	}
	e.Running = false
	e.ExitCode = code
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	os.WriteFile(filepath.Join(os.TempDir(), "nanocl-execs", execID+".json"), data, 0600)
}

// EnsureNetwork renders the namespace network's CNI conflist. The
// subnet is derived deterministically from the network name.
func (r *ContainerdRuntime) EnsureNetwork(ctx context.Context, name string) (string, error) {
	if err := os.MkdirAll(r.netDir, 0755); err != nil {
		return "", err
	}
	gateway := NetworkGateway(name)
	subnet := gateway[:strings.LastIndex(gateway, ".")] + ".0/24"
	conf := map[string]any{
		"cniVersion": "1.0.0",
		"name":       name,
		"plugins": []map[string]any{
			{
				"type":   "bridge",
				"bridge": "nc-" + shortHash(name),
				"ipam": map[string]any{
					"type":   "host-local",
					"subnet": subnet,
					"routes": []map[string]string{{"dst": "0.0.0.0/0"}},
				},
				"isGateway": true,
				"ipMasq":    true,
			},
		},
	}
	data, err := json.MarshalIndent(conf, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(r.netDir, name+".conflist")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return gateway, nil
}

// RemoveNetwork deletes the namespace network config.
func (r *ContainerdRuntime) RemoveNetwork(ctx context.Context, name string) error {
	err := os.Remove(filepath.Join(r.netDir, name+".conflist"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// NetworkGateway derives the deterministic gateway address of a
// namespace network.
func NetworkGateway(name string) string {
	h := fnv.New32a()
	h.Write([]byte(name))
	octet := h.Sum32()%250 + 1
	return fmt.Sprintf("10.89.%d.1", octet)
}

func shortHash(name string) string {
	h := fnv.New32a()
	h.Write([]byte(name))
	return fmt.Sprintf("%08x", h.Sum32())
}

// Info reports the runtime identity.
func (r *ContainerdRuntime) Info(ctx context.Context) (types.RuntimeInfo, error) {
	version, err := r.client.Version(r.ctx(ctx))
	if err != nil {
		return types.RuntimeInfo{}, err
	}
	return types.RuntimeInfo{
		Name:    "containerd",
		Version: version.Version,
		Socket:  r.socketPath,
	}, nil
}

func (r *ContainerdRuntime) wrap(err error, id string) error {
	if cerrdefs.IsNotFound(err) {
		return errdefs.NotFound("container not found: %s", id)
	}
	return err
}
