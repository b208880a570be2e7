//go:build !linux

package malloc

import "github.com/cinogama/woomem/api"

// Newosmemory panics: there is no default api.OSMemory shim on this
// platform, and the heap has no setting to supply another one.
func Newosmemory() api.OSMemory {
	panicerr("no default OSMemory shim for this platform")
	return nil
}
