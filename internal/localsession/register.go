// File: internal/localsession/register.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package localsession

import (
	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/endpoint"
)

// The default constructor installed by InitServer packets. Constructor
// arguments beyond the name are accepted and ignored by the host
// session.
func init() {
	endpoint.RegisterSessionConstructor("rpc", func(args []api.Value) (api.ServingSession, error) {
		return New(), nil
	})
}
