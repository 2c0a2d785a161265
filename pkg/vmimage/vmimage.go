// Package vmimage maintains the VM disk image tree: base images, the
// per-instance snapshots carved from them, and the qemu-img invocations
// behind import, snapshot, clone and resize.
package vmimage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/log"
	"github.com/nanocl-io/nanocl/pkg/store"
	"github.com/nanocl-io/nanocl/pkg/types"
)

// Manager owns the image table and the files under {stateDir}/vms/images.
type Manager struct {
	store *store.Store
	dir   string
	tool  string
}

// New creates the manager. The images directory is created on demand.
func New(st *store.Store, stateDir string) *Manager {
	return &Manager{
		store: st,
		dir:   filepath.Join(stateDir, "vms", "images"),
		tool:  "qemu-img",
	}
}

// Dir returns the images directory.
func (m *Manager) Dir() string { return m.dir }

// ImagePath returns the on-disk path of an image name.
func (m *Manager) ImagePath(name string) string {
	return filepath.Join(m.dir, name+".img")
}

func (m *Manager) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, m.tool, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, errdefs.Internal(err, "%s %s failed: %s", m.tool, strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return out, nil
}

// imgInfo is the subset of `qemu-img info --output=json` the manager
// reads back.
type imgInfo struct {
	Format      string `json:"format"`
	VirtualSize int64  `json:"virtual-size"`
	ActualSize  int64  `json:"actual-size"`
}

func (m *Manager) info(ctx context.Context, path string) (*imgInfo, error) {
	out, err := m.run(ctx, "info", "--output=json", path)
	if err != nil {
		return nil, err
	}
	var info imgInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, errdefs.Internal(err, "unreadable image info for %s", path)
	}
	return &info, nil
}

// Create registers a file already present at the image path as a base
// image. When the tool cannot read it the file is deleted and the
// error propagates.
func (m *Manager) Create(ctx context.Context, name, path string) (*types.VmImage, error) {
	if name == "" {
		return nil, errdefs.BadInput("image name is required")
	}
	if _, err := m.store.VmImages.ReadByPK(name); err == nil {
		return nil, errdefs.Conflict("vm image already exists: %s", name)
	}
	info, err := m.info(ctx, path)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	img := &types.VmImage{
		Name:        name,
		CreatedAt:   time.Now().UTC(),
		Kind:        types.VmImageKindBase,
		Path:        path,
		Format:      info.Format,
		SizeActual:  info.ActualSize,
		SizeVirtual: info.VirtualSize,
	}
	if err := m.store.VmImages.Create(img); err != nil {
		os.Remove(path)
		return nil, err
	}
	return img, nil
}

// CreateSnap carves a qcow2 snapshot of a base image and resizes it to
// sizeGB. Used per VM instance at start time.
func (m *Manager) CreateSnap(ctx context.Context, snapName string, sizeGB uint64, base *types.VmImage) (*types.VmImage, error) {
	if _, err := m.store.VmImages.ReadByPK(snapName); err == nil {
		return nil, errdefs.Conflict("vm image already exists: %s", snapName)
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, err
	}
	path := m.ImagePath(snapName)
	if _, err := m.run(ctx, "create", "-F", base.Format, "-b", base.Path, "-f", "qcow2", path); err != nil {
		return nil, err
	}
	if _, err := m.run(ctx, "resize", path, fmt.Sprintf("%dG", sizeGB)); err != nil {
		os.Remove(path)
		return nil, err
	}
	info, err := m.info(ctx, path)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	img := &types.VmImage{
		Name:        snapName,
		CreatedAt:   time.Now().UTC(),
		Kind:        types.VmImageKindSnapshot,
		Path:        path,
		Format:      "qcow2",
		SizeActual:  info.ActualSize,
		SizeVirtual: info.VirtualSize,
		Parent:      base.Name,
	}
	if err := m.store.VmImages.Create(img); err != nil {
		os.Remove(path)
		return nil, err
	}
	return img, nil
}

// progressRe matches one frame of `qemu-img convert -p` output, e.g.
// "    (12.34/100%)".
var progressRe = regexp.MustCompile(`\((\d+(?:\.\d+)?)/100%\)`)

// scanProgress splits on carriage returns as well as newlines; the
// tool redraws its progress line with "\r".
func scanProgress(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// convert runs `qemu-img convert -p`, reporting each parsed progress
// percentage through onProgress.
func (m *Manager) convert(ctx context.Context, src, dst string, onProgress func(float64)) error {
	cmd := exec.CommandContext(ctx, m.tool, "convert", "-p", "-O", "qcow2", src, dst)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	sc := bufio.NewScanner(stdout)
	sc.Split(scanProgress)
	for sc.Scan() {
		frame := progressRe.FindStringSubmatch(sc.Text())
		if frame == nil {
			continue
		}
		if v, perr := strconv.ParseFloat(frame[1], 64); perr == nil {
			onProgress(v)
		}
	}
	if err := cmd.Wait(); err != nil {
		return errdefs.Internal(err, "%s convert failed: %s", m.tool, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Clone converts a snapshot into a standalone base image in the
// background, streaming progress frames until a terminal Done or Error
// frame. Progress frames may be dropped when the consumer lags; the
// terminal frame never is.
func (m *Manager) Clone(ctx context.Context, name string, snapshot *types.VmImage) (<-chan types.VmImageCloneStream, error) {
	if _, err := m.store.VmImages.ReadByPK(name); err == nil {
		return nil, errdefs.Conflict("vm image already exists: %s", name)
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, err
	}
	path := m.ImagePath(name)
	out := make(chan types.VmImageCloneStream, 8)
	go func() {
		defer close(out)
		fail := func(err error) {
			log.WithKey(name).Error().Err(err).Msg("image clone failed")
			os.Remove(path)
			out <- types.VmImageCloneStream{Error: err.Error()}
		}
		err := m.convert(ctx, snapshot.Path, path, func(p float64) {
			select {
			case out <- types.VmImageCloneStream{Progress: p}:
			default:
			}
		})
		if err != nil {
			fail(err)
			return
		}
		info, err := m.info(ctx, path)
		if err != nil {
			fail(err)
			return
		}
		img := &types.VmImage{
			Name:        name,
			CreatedAt:   time.Now().UTC(),
			Kind:        types.VmImageKindBase,
			Path:        path,
			Format:      "qcow2",
			SizeActual:  info.ActualSize,
			SizeVirtual: info.VirtualSize,
		}
		if err := m.store.VmImages.Create(img); err != nil {
			fail(err)
			return
		}
		out <- types.VmImageCloneStream{Done: img}
	}()
	return out, nil
}

// Resize grows (or, when requested, shrinks) an image to the given GiB
// size and refreshes the recorded sizes.
func (m *Manager) Resize(ctx context.Context, name string, payload *types.VmImageResizePayload) (*types.VmImage, error) {
	img, err := m.store.VmImages.ReadByPK(name)
	if err != nil {
		return nil, err
	}
	args := []string{"resize"}
	if payload.Shrink {
		args = append(args, "--shrink")
	}
	args = append(args, img.Path, fmt.Sprintf("%dG", payload.Size))
	if _, err := m.run(ctx, args...); err != nil {
		return nil, err
	}
	info, err := m.info(ctx, img.Path)
	if err != nil {
		return nil, err
	}
	img.SizeActual = info.ActualSize
	img.SizeVirtual = info.VirtualSize
	if err := m.store.VmImages.UpdatePK(name, img); err != nil {
		return nil, err
	}
	return img, nil
}

// Delete removes an image file and its row. A base still parenting
// snapshots is refused.
func (m *Manager) Delete(ctx context.Context, name string) error {
	img, err := m.store.VmImages.ReadByPK(name)
	if err != nil {
		return err
	}
	children, err := m.store.VmImages.CountBy(store.NewFilter().
		Where("parent", store.OpEq, name))
	if err != nil {
		return err
	}
	if children > 0 {
		return errdefs.Conflict("vm image %s has %d snapshots", name, children)
	}
	if err := os.Remove(img.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return m.store.VmImages.DeleteByPK(name)
}

// Inspect returns one image.
func (m *Manager) Inspect(name string) (*types.VmImage, error) {
	return m.store.VmImages.ReadByPK(name)
}

// List returns images matching the filter.
func (m *Manager) List(f *store.Filter) ([]*types.VmImage, error) {
	return m.store.VmImages.ReadBy(f)
}
