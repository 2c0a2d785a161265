package types

// ResourceProxyRule is the declarative payload of a proxy resource.
// The proxy companion translates each rule into a config fragment.
type ResourceProxyRule struct {
	Rules []ProxyRule
}

// ProxyRule binds a listen address to a target.
type ProxyRule struct {
	Domain  string `json:",omitempty"`
	Network string // All | Public | Internal | "{namespace}.nsp"
	Port    int
	Path    string `json:",omitempty"`
	Target  ProxyTarget
}

// ProxyTarget selects exactly one backend kind.
type ProxyTarget struct {
	Upstream *UpstreamTarget `json:",omitempty"`
	Unix     *UnixTarget     `json:",omitempty"`
	Http     *HttpTarget     `json:",omitempty"`
}

// UpstreamTarget points at the instances of a cargo or vm.
// Key is "{name}.{namespace}.c" for cargoes, ".v" for vms.
type UpstreamTarget struct {
	Key  string
	Port int
}

// UnixTarget proxies to a unix socket.
type UnixTarget struct {
	Path string
}

// HttpTarget proxies or redirects to an absolute URL.
type HttpTarget struct {
	Url      string
	Redirect string `json:",omitempty"` // MovedPermanently | Permanent | Temporary
}
