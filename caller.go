package dlsym

import "runtime"

// CallerReturnAddress returns the return address of a call made skip frames
// above the function calling it: 0 is a point inside the calling function
// itself, 1 is inside the function that called it, and so on. It returns 0
// when the stack is not that deep.
func CallerReturnAddress(skip int) uintptr {
	var pc [1]uintptr
	// Skip runtime.Callers and this function.
	if runtime.Callers(skip+2, pc[:]) == 0 {
		return 0
	}
	return pc[0]
}
