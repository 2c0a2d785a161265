package proxy

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/log"
)

// Nginx manages the rendered config fragments and the nginx process.
type Nginx struct {
	confDir string
	binary  string
}

// NewNginx creates the manager. Fragments live as {name}.conf files
// under confDir, which the main nginx config is expected to include.
func NewNginx(confDir, binary string) *Nginx {
	if binary == "" {
		binary = "nginx"
	}
	return &Nginx{confDir: confDir, binary: binary}
}

func (n *Nginx) fragmentPath(name string) string {
	return filepath.Join(n.confDir, name+".conf")
}

func (n *Nginx) run(args ...string) error {
	out, err := exec.Command(n.binary, args...).CombinedOutput()
	if err != nil {
		return errdefs.Internal(err, "%s %s failed: %s", n.binary, strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return nil
}

// Test validates the whole config tree.
func (n *Nginx) Test() error {
	return n.run("-t")
}

// Reload asks the running nginx to pick up the config tree.
func (n *Nginx) Reload() error {
	return n.run("-s", "reload")
}

// Apply writes one fragment, validates the tree and reloads. On a
// failed validation the previous on-disk state is restored exactly, so
// a bad rule never leaves a trace.
func (n *Nginx) Apply(name, content string) error {
	if err := os.MkdirAll(n.confDir, 0o755); err != nil {
		return err
	}
	path := n.fragmentPath(name)
	prev, prevErr := os.ReadFile(path)
	hadPrev := prevErr == nil

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return err
	}
	if err := n.Test(); err != nil {
		if hadPrev {
			os.WriteFile(path, prev, 0o644)
		} else {
			os.Remove(path)
		}
		return errdefs.BadInput("rule rejected by nginx: %v", err)
	}
	if err := n.Reload(); err != nil {
		log.WithComponent("proxy").Error().Err(err).Msg("nginx reload failed")
		return err
	}
	return nil
}

// Remove deletes one fragment and reloads. A missing fragment is not
// an error.
func (n *Nginx) Remove(name string) error {
	err := os.Remove(n.fragmentPath(name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return n.Reload()
}

// Has reports whether a fragment exists on disk.
func (n *Nginx) Has(name string) bool {
	_, err := os.Stat(n.fragmentPath(name))
	return err == nil
}
