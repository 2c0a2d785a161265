package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Namespace is a logical grouping of cargoes and virtual machines.
// It owns a runtime network of the same name.
type Namespace struct {
	Name      string
	CreatedAt time.Time
	Metadata  json.RawMessage `json:",omitempty"`
}

// NamespacePartial is the payload used to create a namespace.
type NamespacePartial struct {
	Name     string          `validate:"required"`
	Metadata json.RawMessage `json:",omitempty"`
}

// NamespaceSummary is the list representation of a namespace with
// aggregated counts of the objects it owns.
type NamespaceSummary struct {
	Name      string
	CreatedAt time.Time
	Cargoes   int
	Instances int
}

// NamespaceInspect carries a namespace with its cargoes resolved.
type NamespaceInspect struct {
	Name      string
	CreatedAt time.Time
	Cargoes   []*CargoInspect
}

// ObjKind identifies the kind of an orchestrated object.
type ObjKind string

const (
	ObjKindCargo        ObjKind = "Cargo"
	ObjKindVm           ObjKind = "Vm"
	ObjKindJob          ObjKind = "Job"
	ObjKindNamespace    ObjKind = "Namespace"
	ObjKindSecret       ObjKind = "Secret"
	ObjKindResource     ObjKind = "Resource"
	ObjKindResourceKind ObjKind = "ResourceKind"
	ObjKindProcess      ObjKind = "Process"
)

// ParseObjKind resolves the lowercase kind segment of process routes.
func ParseObjKind(s string) (ObjKind, error) {
	switch strings.ToLower(s) {
	case "cargo":
		return ObjKindCargo, nil
	case "vm":
		return ObjKindVm, nil
	case "job":
		return ObjKindJob, nil
	}
	return "", fmt.Errorf("unknown object kind: %s", s)
}

// Cargo is a replicated long-lived container workload.
// Its key is "{namespace}.{name}"; the name must not contain a dot.
type Cargo struct {
	Key           string
	Name          string
	NamespaceName string
	CreatedAt     time.Time
	SpecKey       string
}

// CargoInspect is the detailed view of a cargo with its current spec,
// status and instance summary resolved.
type CargoInspect struct {
	Key             string
	Name            string
	NamespaceName   string
	CreatedAt       time.Time
	Spec            *Spec
	Status          *ObjPsStatus
	InstanceTotal   int
	InstanceRunning int
	InstanceSuccess int
	InstanceFailed  int
	Instances       []*Process `json:",omitempty"`
}

// CargoPartial is the payload used to create a cargo.
type CargoPartial struct {
	Name string `validate:"required"`
	CargoSpecPartial
}

// CargoSpecPartial is the declarative payload of a cargo spec. It is
// stored opaquely in the spec registry and decoded where needed.
type CargoSpecPartial struct {
	Metadata      json.RawMessage  `json:",omitempty"`
	Secrets       []string         `json:",omitempty"`
	Container     ContainerSpec
	InitContainer *ContainerSpec   `json:",omitempty"`
	Replication   *ReplicationMode `json:",omitempty"`
}

// ReplicationMode declares how cargo instances should be spread.
// Reconciliation currently caps concurrent instances at 1; the declared
// mode is still exposed on inspect.
type ReplicationMode string

const (
	ReplicationAuto          ReplicationMode = "Auto"
	ReplicationUnique        ReplicationMode = "Unique"
	ReplicationUniqueByNode  ReplicationMode = "UniqueByNode"
	ReplicationStatic        ReplicationMode = "Static"
	ReplicationStaticByNodes ReplicationMode = "StaticByNodes"
)

// ContainerSpec describes the runtime container backing an instance.
type ContainerSpec struct {
	Name       string            `json:",omitempty"`
	Image      string            `validate:"required"`
	Cmd        []string          `json:",omitempty"`
	Entrypoint []string          `json:",omitempty"`
	Env        []string          `json:",omitempty"`
	Labels     map[string]string `json:",omitempty"`
	Volumes    []string          `json:",omitempty"`
	Ports      []PortBinding     `json:",omitempty"`
	WorkingDir string            `json:",omitempty"`
	Tty        bool              `json:",omitempty"`
}

// PortBinding publishes a container port on the host.
type PortBinding struct {
	ContainerPort int
	HostPort      int    `json:",omitempty"`
	HostIP        string `json:",omitempty"`
	Protocol      string `json:",omitempty"`
}

// Vm is a virtual machine managed as a container embedding the VM
// process. The key follows the cargo key rule.
type Vm struct {
	Key           string
	Name          string
	NamespaceName string
	CreatedAt     time.Time
	SpecKey       string
}

// VmInspect is the detailed view of a virtual machine.
type VmInspect struct {
	Key           string
	Name          string
	NamespaceName string
	CreatedAt     time.Time
	Spec          *Spec
	Status        *ObjPsStatus
	Instances     []*Process `json:",omitempty"`
}

// VmPartial is the payload used to create a virtual machine.
type VmPartial struct {
	Name string `validate:"required"`
	VmSpecPartial
}

// VmSpecPartial is the declarative payload of a vm spec.
type VmSpecPartial struct {
	Metadata   json.RawMessage `json:",omitempty"`
	HostName   string          `json:",omitempty"`
	User       string          `json:",omitempty"`
	Password   string          `json:",omitempty"`
	SSHKey     string          `json:",omitempty"`
	Disk       VmDisk
	Memory     uint64 `json:",omitempty"` // MiB
	Cpu        uint64 `json:",omitempty"`
	KvmEnabled bool   `json:",omitempty"`
}

// VmDisk selects the base image and the size of the instance snapshot
// created from it at start time.
type VmDisk struct {
	Image string `validate:"required"`
	Size  uint64 `json:",omitempty"` // GiB
}

// Job is a one-shot or scheduled sequence of containers. It has no
// namespace and no replication.
type Job struct {
	Name       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Metadata   json.RawMessage `json:",omitempty"`
	Schedule   string          `json:",omitempty"`
	TTL        *int            `json:",omitempty"` // seconds from terminal state
	Containers []ContainerSpec
}

// JobInspect is the detailed view of a job with instance summary.
type JobInspect struct {
	Job
	Status          *ObjPsStatus
	InstanceTotal   int
	InstanceRunning int
	InstanceSuccess int
	InstanceFailed  int
	Instances       []*Process `json:",omitempty"`
}

// JobPartial is the payload used to create a job.
type JobPartial struct {
	Name       string          `validate:"required"`
	Metadata   json.RawMessage `json:",omitempty"`
	Schedule   string          `json:",omitempty"`
	TTL        *int            `json:",omitempty"`
	Containers []ContainerSpec `validate:"required,min=1,dive"`
}

// WaitCondition names the process state a wait call blocks on.
// Semantics mirror the docker-compatible runtime.
type WaitCondition string

const (
	WaitConditionNotRunning WaitCondition = "not-running"
	WaitConditionNextExit   WaitCondition = "next-exit"
	WaitConditionRemoved    WaitCondition = "removed"
)

// ParseWaitCondition rejects unknown conditions so that typos fail at
// the API boundary. The empty string selects the default.
func ParseWaitCondition(s string) (WaitCondition, error) {
	switch WaitCondition(s) {
	case "", WaitConditionNotRunning:
		return WaitConditionNotRunning, nil
	case WaitConditionNextExit:
		return WaitConditionNextExit, nil
	case WaitConditionRemoved:
		return WaitConditionRemoved, nil
	}
	return "", fmt.Errorf("unknown wait condition: %s", s)
}

// Secret is a typed credential or environment blob consumed by cargoes.
type Secret struct {
	Key       string
	Kind      string
	CreatedAt time.Time
	UpdatedAt time.Time
	Immutable bool `json:",omitempty"`
	Data      json.RawMessage
	Metadata  json.RawMessage `json:",omitempty"`
}

// SecretPartial is the payload used to create a secret.
type SecretPartial struct {
	Name      string `validate:"required"`
	Kind      string `validate:"required"`
	Immutable bool   `json:",omitempty"`
	Data      json.RawMessage
	Metadata  json.RawMessage `json:",omitempty"`
}

// SecretUpdate is the payload used to patch a secret.
type SecretUpdate struct {
	Data     json.RawMessage `json:",omitempty"`
	Metadata json.RawMessage `json:",omitempty"`
}

// Well-known secret kinds carried by the daemon itself.
const (
	SecretKindEnv = "nanocl.io/env"
	SecretKindTls = "nanocl.io/tls"
)

// TlsSecretData is the required shape of a nanocl.io/tls secret.
type TlsSecretData struct {
	Certificate    string
	CertificateKey string
	Dhparam        string `json:",omitempty"`
	VerifyClient   bool   `json:",omitempty"`
	CertificateCa  string `json:",omitempty"`
}

// Resource is a kind-scoped declarative object validated and acted on
// through its ResourceKind.
type Resource struct {
	Name      string
	Kind      string
	CreatedAt time.Time
	SpecKey   string
}

// ResourceInspect is the detailed view of a resource with its spec.
type ResourceInspect struct {
	Name      string
	Kind      string
	CreatedAt time.Time
	Spec      *Spec
}

// ResourcePartial is the payload used to create or update a resource.
// Kind is "{domain}/{name}" or "{domain}/{name}/v{version}"; when the
// version suffix is absent it is resolved from the kind registry.
type ResourcePartial struct {
	Name     string `validate:"required"`
	Kind     string
	Data     json.RawMessage
	Metadata json.RawMessage `json:",omitempty"`
}

// ResourceKind is a registry entry selecting how resources of its kind
// are validated: by JSON schema or by delegation to a controller URL.
type ResourceKind struct {
	Name      string
	CreatedAt time.Time
}

// ResourceKindVersion is one version of a resource kind. Exactly one of
// Schema or Url must be set.
type ResourceKindVersion struct {
	KindName  string
	Version   string
	CreatedAt time.Time
	Schema    json.RawMessage `json:",omitempty"`
	Url       string          `json:",omitempty"`
}

// ResourceKindPartial is the payload used to register a resource kind
// version.
type ResourceKindPartial struct {
	Name     string `validate:"required"`
	Version  string `validate:"required"`
	Metadata json.RawMessage `json:",omitempty"`
	Data     ResourceKindSpec
}

// ResourceKindSpec is the validation selector of a kind version.
type ResourceKindSpec struct {
	Schema json.RawMessage `json:",omitempty"`
	Url    string          `json:",omitempty"`
}

// ResourceKindInspect resolves a kind with all of its versions.
type ResourceKindInspect struct {
	Name      string
	CreatedAt time.Time
	Versions  []*ResourceKindVersion
}

// ParseResourceKind splits a resource kind field into domain/name and
// an optional version suffix.
func ParseResourceKind(kind string) (name, version string, err error) {
	parts := strings.Split(kind, "/")
	switch len(parts) {
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return "", "", fmt.Errorf("invalid resource kind: %s", kind)
		}
		return kind, "", nil
	case 3:
		if !strings.HasPrefix(parts[2], "v") || len(parts[2]) < 2 {
			return "", "", fmt.Errorf("invalid resource kind version: %s", parts[2])
		}
		return parts[0] + "/" + parts[1], parts[2][1:], nil
	}
	return "", "", fmt.Errorf("invalid resource kind: %s (expected domain/name)", kind)
}

// HostInfo is the payload of GET /info.
type HostInfo struct {
	HostGateway string
	Runtime     RuntimeInfo
	Config      DaemonConfig
}

// RuntimeInfo describes the container runtime backing the daemon.
type RuntimeInfo struct {
	Name    string
	Version string
	Socket  string
}

// DaemonConfig holds the daemon configuration resolved at boot.
type DaemonConfig struct {
	Hosts         []string
	StateDir      string
	RuntimeSocket string
	HostGateway   string
	Cert          string `json:",omitempty"`
	CertKey       string `json:",omitempty"`
	CertCa        string `json:",omitempty"`
}

// BinaryInfo is the payload of GET /version.
type BinaryInfo struct {
	Arch     string
	Channel  string
	Version  string
	CommitId string
}
