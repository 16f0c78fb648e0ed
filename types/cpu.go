package types

// A CPU is the cputype field of a Mach-O header.
type CPU uint32

const cpuArch64 = 0x01000000

const (
	CPU386   CPU = 7
	CPUAmd64 CPU = CPU386 | cpuArch64
	CPUArm   CPU = 12
	CPUArm64 CPU = CPUArm | cpuArch64
	CPUPpc   CPU = 18
	CPUPpc64 CPU = CPUPpc | cpuArch64
)

var cpuStrings = []intName{
	{uint32(CPU386), "i386"},
	{uint32(CPUAmd64), "x86_64"},
	{uint32(CPUArm), "arm"},
	{uint32(CPUArm64), "arm64"},
	{uint32(CPUPpc), "ppc"},
	{uint32(CPUPpc64), "ppc64"},
}

// Is64 reports whether the cpu type has the 64-bit ABI bit.
func (c CPU) Is64() bool { return c&cpuArch64 != 0 }

func (c CPU) String() string   { return stringName(uint32(c), cpuStrings, false) }
func (c CPU) GoString() string { return stringName(uint32(c), cpuStrings, true) }
