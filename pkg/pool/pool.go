// Package pool provides object pooling to reduce GC pressure
package pool

import (
	"sync"
)

// StringSlicePool pools []string
var StringSlicePool = sync.Pool{
	New: func() interface{} {
		return make([]string, 0, 16)
	},
}

// GetStringSlice gets a []string from pool, length reset to zero.
func GetStringSlice() []string {
	s := StringSlicePool.Get().([]string)
	return s[:0]
}

// PutStringSlice returns a []string to pool. Callers must not retain s or
// anything derived from it after this call: the backing array is reused by
// the next GetStringSlice.
func PutStringSlice(s []string) {
	StringSlicePool.Put(s)
}
