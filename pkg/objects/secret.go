package objects

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/store"
	"github.com/nanocl-io/nanocl/pkg/types"
)

// SecretManager owns the secret lifecycle. Secrets are referenced by
// cargoes, never owned; updating one fans out to its consumers through
// the reconciler.
type SecretManager struct {
	Deps
}

// validateSecretData checks the payload shape of the well-known kinds.
// Unknown kinds carry opaque data.
func validateSecretData(kind string, data json.RawMessage) error {
	if len(data) == 0 {
		return errdefs.BadInput("secret data is required")
	}
	switch kind {
	case types.SecretKindEnv:
		var envs []string
		if err := json.Unmarshal(data, &envs); err != nil {
			return errdefs.BadInput("secret kind %s wants a string array: %v", kind, err)
		}
	case types.SecretKindTls:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		var tls types.TlsSecretData
		if err := dec.Decode(&tls); err != nil {
			return errdefs.BadInput("secret kind %s wants a tls record: %v", kind, err)
		}
		if tls.Certificate == "" || tls.CertificateKey == "" {
			return errdefs.BadInput("secret kind %s requires Certificate and CertificateKey", kind)
		}
	}
	return nil
}

// Create validates the payload against its kind and records the secret.
func (m *SecretManager) Create(ctx context.Context, partial *types.SecretPartial) (*types.Secret, error) {
	if partial.Name == "" {
		return nil, errdefs.BadInput("secret name is required")
	}
	if partial.Kind == "" {
		return nil, errdefs.BadInput("secret kind is required")
	}
	if err := validateSecretData(partial.Kind, partial.Data); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	secret := &types.Secret{
		Key:       partial.Name,
		Kind:      partial.Kind,
		CreatedAt: now,
		UpdatedAt: now,
		Immutable: partial.Immutable,
		Data:      partial.Data,
		Metadata:  partial.Metadata,
	}
	if err := m.Store.Secrets.Create(secret); err != nil {
		return nil, err
	}
	m.Bus.Emit(types.EventKindNormal, types.ActionCreate, reason(types.ObjKindSecret, types.ActionCreate),
		types.NewActor(types.ObjKindSecret, secret.Key, secret.Key, "", nil))
	return secret, nil
}

// Inspect returns one secret.
func (m *SecretManager) Inspect(key string) (*types.Secret, error) {
	return m.Store.Secrets.ReadByPK(key)
}

// Patch updates the data or metadata of a secret and emits the update
// event consumed by the cargo fanout.
func (m *SecretManager) Patch(ctx context.Context, key string, update *types.SecretUpdate) (*types.Secret, error) {
	secret, err := m.Store.Secrets.ReadByPK(key)
	if err != nil {
		return nil, err
	}
	if secret.Immutable {
		return nil, errdefs.Conflict("secret %s is immutable", key)
	}
	if update.Data != nil {
		if err := validateSecretData(secret.Kind, update.Data); err != nil {
			return nil, err
		}
		secret.Data = update.Data
	}
	if update.Metadata != nil {
		secret.Metadata = update.Metadata
	}
	secret.UpdatedAt = time.Now().UTC()
	if err := m.Store.Secrets.UpdatePK(key, secret); err != nil {
		return nil, err
	}
	m.Bus.Emit(types.EventKindNormal, types.ActionUpdate, reason(types.ObjKindSecret, types.ActionUpdate),
		types.NewActor(types.ObjKindSecret, key, key, "", nil))
	return secret, nil
}

// Delete removes a secret. Cargoes referencing it keep running with the
// values they were started with.
func (m *SecretManager) Delete(ctx context.Context, key string) error {
	if _, err := m.Store.Secrets.ReadByPK(key); err != nil {
		return err
	}
	if err := m.Store.Secrets.DeleteByPK(key); err != nil {
		return err
	}
	m.Bus.Emit(types.EventKindNormal, types.ActionDestroy, reason(types.ObjKindSecret, types.ActionDestroy),
		types.NewActor(types.ObjKindSecret, key, key, "", nil))
	return nil
}

// List returns secrets matching the filter.
func (m *SecretManager) List(f *store.Filter) ([]*types.Secret, error) {
	return m.Store.Secrets.ReadBy(f)
}

// Count counts secrets matching the filter.
func (m *SecretManager) Count(f *store.Filter) (int, error) {
	return m.Store.Secrets.CountBy(f)
}
