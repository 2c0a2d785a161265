package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/log"
	"github.com/nanocl-io/nanocl/pkg/store"
	"github.com/nanocl-io/nanocl/pkg/types"
)

// targetReplicas is the instance count the reconciler converges on.
// Replication modes are declared in the cargo spec but the scheduler
// caps concurrent instances at 1 until cluster scheduling lands.
const targetReplicas = 1

// vmRuntimeImage is the container image embedding the qemu process a
// vm instance runs in.
const vmRuntimeImage = "ghcr.io/next-hat/nanocl-qemu:8.0.2.0"

func instanceName(key string) string {
	return fmt.Sprintf("%s.%s", key, uuid.NewString()[:8])
}

// resolveEnvSecrets appends the env entries of the referenced
// nanocl.io/env secrets to the container environment.
func (r *Reconciler) resolveEnvSecrets(refs []string, env []string) ([]string, error) {
	for _, ref := range refs {
		secret, err := r.store.Secrets.ReadByPK(ref)
		if err != nil {
			return nil, err
		}
		if secret.Kind != types.SecretKindEnv {
			continue
		}
		var envs []string
		if err := json.Unmarshal(secret.Data, &envs); err != nil {
			return nil, errdefs.BadInput("secret %s carries malformed env data: %v", ref, err)
		}
		env = append(env, envs...)
	}
	return env, nil
}

func (r *Reconciler) cargoContainer(cargo *types.Cargo, spec *types.CargoSpecPartial) (*types.ContainerSpec, error) {
	c := spec.Container
	env, err := r.resolveEnvSecrets(spec.Secrets, c.Env)
	if err != nil {
		return nil, err
	}
	c.Env = env
	return &c, nil
}

func (r *Reconciler) vmContainer(vm *types.Vm, spec *types.VmSpecPartial, diskPath string) *types.ContainerSpec {
	env := []string{
		fmt.Sprintf("IMAGE=%s", diskPath),
		fmt.Sprintf("HOSTNAME=%s", spec.HostName),
	}
	if spec.Memory > 0 {
		env = append(env, fmt.Sprintf("MEMORY=%dM", spec.Memory))
	}
	if spec.Cpu > 0 {
		env = append(env, fmt.Sprintf("CPU=%d", spec.Cpu))
	}
	if spec.User != "" {
		env = append(env, fmt.Sprintf("USER=%s", spec.User))
	}
	if spec.Password != "" {
		env = append(env, fmt.Sprintf("PASSWORD=%s", spec.Password))
	}
	if spec.SSHKey != "" {
		env = append(env, fmt.Sprintf("SSHKEY=%s", spec.SSHKey))
	}
	if spec.KvmEnabled {
		env = append(env, "KVM=enabled")
	}
	return &types.ContainerSpec{
		Image:   vmRuntimeImage,
		Env:     env,
		Volumes: []string{r.images.Dir() + ":" + r.images.Dir()},
	}
}

// startOwner converges a cargo or vm to its running state: missing
// instances are created from the latest spec, then everything is
// started and the actual status advances to Start.
func (r *Reconciler) startOwner(ctx context.Context, kind types.ObjKind, key string, actor *types.EventActor) error {
	existing, err := r.proc.ListByKind(kind, key)
	if err != nil {
		return err
	}
	switch kind {
	case types.ObjKindCargo:
		cargo, err := r.store.Cargoes.ReadByPK(key)
		if err != nil {
			return err
		}
		spec, err := r.store.Specs.ReadByPK(cargo.SpecKey)
		if err != nil {
			return err
		}
		var partial types.CargoSpecPartial
		if err := json.Unmarshal(spec.Data, &partial); err != nil {
			return err
		}
		if _, err := r.proc.EnsureNetwork(ctx, cargo.NamespaceName); err != nil {
			return err
		}
		for i := len(existing); i < targetReplicas; i++ {
			container, err := r.cargoContainer(cargo, &partial)
			if err != nil {
				return err
			}
			if _, err := r.proc.Create(ctx, kind, key, instanceName(key), container); err != nil {
				return err
			}
		}
	case types.ObjKindVm:
		vm, err := r.store.Vms.ReadByPK(key)
		if err != nil {
			return err
		}
		spec, err := r.store.Specs.ReadByPK(vm.SpecKey)
		if err != nil {
			return err
		}
		var partial types.VmSpecPartial
		if err := json.Unmarshal(spec.Data, &partial); err != nil {
			return err
		}
		if _, err := r.proc.EnsureNetwork(ctx, vm.NamespaceName); err != nil {
			return err
		}
		if len(existing) == 0 {
			disk, err := r.ensureVmDisk(ctx, key, &partial)
			if err != nil {
				return err
			}
			container := r.vmContainer(vm, &partial, disk.Path)
			if _, err := r.proc.Create(ctx, kind, key, instanceName(key), container); err != nil {
				return err
			}
		}
	}
	if err := r.proc.StartByKind(ctx, kind, key); err != nil {
		return err
	}
	_, err = r.store.UpdateActual(key, types.ObjPsStatusStart)
	return err
}

// ensureVmDisk returns the vm's instance snapshot, carving it from the
// base image on first start.
func (r *Reconciler) ensureVmDisk(ctx context.Context, key string, spec *types.VmSpecPartial) (*types.VmImage, error) {
	disk, err := r.images.Inspect(key)
	if err == nil {
		return disk, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, err
	}
	base, err := r.images.Inspect(spec.Disk.Image)
	if err != nil {
		return nil, err
	}
	size := spec.Disk.Size
	if size == 0 {
		size = 20
	}
	return r.images.CreateSnap(ctx, key, size, base)
}

func (r *Reconciler) stopOwner(ctx context.Context, kind types.ObjKind, key string) error {
	if err := r.proc.StopByKind(ctx, kind, key); err != nil {
		return err
	}
	_, err := r.store.UpdateActual(key, types.ObjPsStatusStop)
	return err
}

// updateOwner rolls out the latest spec: new instances come up first
// and the old ones are removed only once every new one started. On
// failure the new instances are rolled back after a short delay and
// the previous generation keeps running.
func (r *Reconciler) updateOwner(ctx context.Context, kind types.ObjKind, key string, actor *types.EventActor) error {
	old, err := r.proc.ListByKind(kind, key)
	if err != nil {
		return err
	}
	oldKeys := make(map[string]bool, len(old))
	for _, p := range old {
		oldKeys[p.Key] = true
	}

	var created []string
	rollback := func(cause error) error {
		time.Sleep(rollbackDelay)
		for _, id := range created {
			if err := r.proc.Remove(ctx, id); err != nil {
				log.WithKey(id).Error().Err(err).Msg("rollback failed to remove instance")
			}
		}
		return cause
	}

	spawn := func(container *types.ContainerSpec) error {
		p, err := r.proc.Create(ctx, kind, key, instanceName(key), container)
		if err != nil {
			return err
		}
		created = append(created, p.Key)
		return r.proc.StartOne(ctx, p.Key)
	}

	switch kind {
	case types.ObjKindCargo:
		cargo, err := r.store.Cargoes.ReadByPK(key)
		if err != nil {
			return err
		}
		spec, err := r.store.Specs.ReadByPK(cargo.SpecKey)
		if err != nil {
			return err
		}
		var partial types.CargoSpecPartial
		if err := json.Unmarshal(spec.Data, &partial); err != nil {
			return err
		}
		for i := 0; i < targetReplicas; i++ {
			container, err := r.cargoContainer(cargo, &partial)
			if err != nil {
				return rollback(err)
			}
			if err := spawn(container); err != nil {
				return rollback(err)
			}
		}
	case types.ObjKindVm:
		vm, err := r.store.Vms.ReadByPK(key)
		if err != nil {
			return err
		}
		spec, err := r.store.Specs.ReadByPK(vm.SpecKey)
		if err != nil {
			return err
		}
		var partial types.VmSpecPartial
		if err := json.Unmarshal(spec.Data, &partial); err != nil {
			return err
		}
		// The old instance holds the disk, stop it before the handover.
		if err := r.proc.StopByKind(ctx, kind, key); err != nil {
			return err
		}
		disk, err := r.ensureVmDisk(ctx, key, &partial)
		if err != nil {
			return rollback(err)
		}
		if err := spawn(r.vmContainer(vm, &partial, disk.Path)); err != nil {
			return rollback(err)
		}
	}

	for id := range oldKeys {
		if err := r.proc.Remove(ctx, id); err != nil {
			return err
		}
	}
	name, namespace := ownerName(kind, key)
	r.bus.Emit(types.EventKindNormal, types.ActionStart, ev(kind)+".start",
		types.NewActor(kind, key, name, namespace, nil))
	_, err = r.store.UpdateActual(key, types.ObjPsStatusStart)
	return err
}

// destroyOwner removes every instance then the object rows, emitting
// the terminal destroy event.
func (r *Reconciler) destroyOwner(ctx context.Context, kind types.ObjKind, key string) error {
	if err := r.proc.RemoveByKind(ctx, kind, key); err != nil {
		return err
	}
	name, namespace := ownerName(kind, key)
	switch kind {
	case types.ObjKindCargo:
		if err := r.objs.Cargoes.Purge(ctx, key); err != nil {
			return err
		}
	case types.ObjKindVm:
		if err := r.images.Delete(ctx, key); err != nil && !errdefs.IsNotFound(err) {
			return err
		}
		if err := r.objs.Vms.Purge(ctx, key); err != nil {
			return err
		}
	}
	r.bus.Emit(types.EventKindNormal, types.ActionDestroy, ev(kind)+".destroy",
		types.NewActor(kind, key, name, namespace, nil))
	return nil
}

// fanoutSecret re-rolls every cargo whose spec references the secret.
func (r *Reconciler) fanoutSecret(secretKey string) {
	cargoes, err := r.store.Cargoes.ReadBy(store.NewFilter().Page(store.NoLimit, 0))
	if err != nil {
		log.WithKey(secretKey).Error().Err(err).Msg("secret fanout failed to list cargoes")
		return
	}
	for _, cargo := range cargoes {
		spec, err := r.store.Specs.ReadByPK(cargo.SpecKey)
		if err != nil {
			continue
		}
		var partial types.CargoSpecPartial
		if err := json.Unmarshal(spec.Data, &partial); err != nil {
			continue
		}
		if !contains(partial.Secrets, secretKey) {
			continue
		}
		if _, err := r.store.UpdateWanted(cargo.Key, types.ObjPsStatusUpdate); err != nil {
			continue
		}
		if _, err := r.store.UpdateActual(cargo.Key, types.ObjPsStatusUpdating); err != nil {
			continue
		}
		r.bus.Emit(types.EventKindNormal, types.ActionUpdating, "cargo.updating",
			types.NewActor(types.ObjKindCargo, cargo.Key, cargo.Name, cargo.NamespaceName, spec.Data))
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func ownerName(kind types.ObjKind, key string) (name, namespace string) {
	if kind == types.ObjKindJob {
		return key, ""
	}
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			return key[i+1:], key[:i]
		}
	}
	return key, ""
}

func ev(kind types.ObjKind) string {
	switch kind {
	case types.ObjKindVm:
		return "vm"
	case types.ObjKindJob:
		return "job"
	}
	return "cargo"
}
