// File: endpoint/registry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Named serving-session constructors. The server side installs its
// session lazily from the first InitServer packet; the packet's first
// argument selects the constructor registered here.

package endpoint

import (
	"sync"

	"github.com/momentics/hioload-rpc/api"
)

var (
	ctorMu sync.RWMutex
	ctors  = map[string]api.SessionConstructor{}
)

// RegisterSessionConstructor makes ctor reachable by name from InitServer
// packets. Later registrations under the same name win.
func RegisterSessionConstructor(name string, ctor api.SessionConstructor) {
	ctorMu.Lock()
	ctors[name] = ctor
	ctorMu.Unlock()
}

func lookupSessionConstructor(name string) (api.SessionConstructor, bool) {
	ctorMu.RLock()
	defer ctorMu.RUnlock()
	c, ok := ctors[name]
	return c, ok
}
