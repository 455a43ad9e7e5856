package policy

// Composite merges a native Registry with one or more remote-protocol-
// backed registries (e.g. tools surfaced over MCP), with native handlers
// winning on a name collision. This mirrors the pack's ToolRegistry
// register/lookup shape, generalized to merge multiple sources rather
// than a single flat map.
func Composite(native *Registry, remotes ...*Registry) *Registry {
	merged := NewRegistry()
	for _, remote := range remotes {
		remote.mu.RLock()
		for name, h := range remote.handlers {
			merged.handlers[name] = h
			if s, ok := remote.schemas[name]; ok {
				merged.schemas[name] = s
			}
		}
		remote.mu.RUnlock()
	}
	native.mu.RLock()
	for name, h := range native.handlers {
		merged.handlers[name] = h
		if s, ok := native.schemas[name]; ok {
			merged.schemas[name] = s
		} else {
			delete(merged.schemas, name)
		}
	}
	native.mu.RUnlock()
	return merged
}
