// Package dbg implements the per-module debug gate net_cfg.h provided via
// compile-time DBG_xxx macros (DBG_ARP, DBG_TCP, ...). Here it is a small
// runtime set populated from config.Config.Debug / the -debug flag, checked
// before the occasional extra-verbose log line in a hot path.
package dbg

import "sync"

var (
	mu      sync.RWMutex
	enabled = map[string]bool{}
)

// Set replaces the set of enabled component names.
func Set(components []string) {
	mu.Lock()
	defer mu.Unlock()
	enabled = make(map[string]bool, len(components))
	for _, c := range components {
		enabled[c] = true
	}
}

// On reports whether verbose logging is enabled for component.
func On(component string) bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled[component]
}
