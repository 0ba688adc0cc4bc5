//go:build linux && !cgo

package memory

import "github.com/pkg/errors"

// MaxInvokeArgs is the number of arguments Invoke passes after the receiver.
const MaxInvokeArgs = 5

// Invoke needs cgo to call native code.
func (p *Process) Invoke(fn, this uint64, args ...uint64) (uint64, error) {
	return 0, errors.Wrap(ErrNotCallable, "native calls require cgo")
}
