package executor

// Capability names a single host operation a script may be allowed to call.
// Names follow a dotted "<module>.<verb>" convention, matching what
// PluginMetadata.Permissions declares and what the host API surface checks
// against before honoring a call.
type Capability string

const (
	CapabilityConsoleLog    Capability = "console.log"
	CapabilityEmitFinding   Capability = "finding.emit"
	CapabilityStorageRead   Capability = "storage.read"
	CapabilityStorageWrite  Capability = "storage.write"
	CapabilityCryptoHash    Capability = "crypto.hash"
	CapabilityHTMLSanitize  Capability = "html.sanitize"
	CapabilityFSRead        Capability = "fs.read"
	CapabilityNetworkFetch  Capability = "network.fetch"
)

// CapabilitySet is an immutable, order-independent set of Capability
// values, forwarded to Engine construction. It controls which host
// operations a loaded plugin may invoke.
type CapabilitySet struct {
	granted map[Capability]struct{}
}

// NewCapabilitySet builds a CapabilitySet from plugin-requested permission
// strings. Unknown strings are accepted (forward compatible with future
// capabilities) but never match any CapabilityXxx constant, so they
// effectively grant nothing.
func NewCapabilitySet(names []string) CapabilitySet {
	granted := make(map[Capability]struct{}, len(names))
	for _, n := range names {
		granted[Capability(n)] = struct{}{}
	}
	return CapabilitySet{granted: granted}
}

// Allows reports whether cap is present in the set.
func (s CapabilitySet) Allows(cap Capability) bool {
	_, ok := s.granted[cap]
	return ok
}

// Names returns the granted capabilities, in no particular order.
func (s CapabilitySet) Names() []string {
	out := make([]string, 0, len(s.granted))
	for c := range s.granted {
		out = append(out, string(c))
	}
	return out
}

// DefaultCapabilities is the capability set LoadExecutorConfig grants when
// neither executor.yaml nor PLUGIN_PERMISSIONS lists any permissions
// (PluginMetadata.Permissions is not consulted): enough to emit findings,
// log, hash, and sanitize HTML, nothing that
// touches storage, the filesystem, or the network.
func DefaultCapabilities() CapabilitySet {
	return NewCapabilitySet([]string{
		string(CapabilityConsoleLog),
		string(CapabilityEmitFinding),
		string(CapabilityCryptoHash),
		string(CapabilityHTMLSanitize),
	})
}
