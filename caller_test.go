package dlsym

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

//go:noinline
func returnAddressOfCaller() uintptr {
	return CallerReturnAddress(1)
}

func TestCallerReturnAddress(t *testing.T) {
	var want [1]uintptr
	require.Equal(t, 1, runtime.Callers(1, want[:]))
	entry := runtime.FuncForPC(want[0]).Entry()

	pc := CallerReturnAddress(0)
	require.NotZero(t, pc)
	require.Equal(t, entry, runtime.FuncForPC(pc).Entry())

	pc = returnAddressOfCaller()
	require.NotZero(t, pc)
	require.Equal(t, entry, runtime.FuncForPC(pc).Entry())

	require.Zero(t, CallerReturnAddress(1<<20))
}
