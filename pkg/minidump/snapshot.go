// Package minidump holds the typed data model a minidump container
// parser produces: modules, memory regions, thread contexts, the
// exception record and system information. The container decoding
// itself lives outside this repository; everything here is the
// read-only input contract of the stack walker.
package minidump

// Thread is one thread captured in the snapshot.
type Thread struct {
	ID      uint32
	Name    string
	Context *Context
	// Stack is the captured stack memory for the thread, or nil when
	// the container carried none.
	Stack *MemoryRegion
}

// Exception is the crash record: which thread faulted, why, and the
// register state at the fault.
type Exception struct {
	// ThreadIndex is the index into Snapshot.Threads of the faulting
	// thread, carried verbatim from the container.
	ThreadIndex int
	Code        uint32
	Address     uint64
	// Context is the register state at the fault. Preferred over the
	// faulting thread's saved context when present.
	Context *Context
}

// SystemInfo describes the OS and hardware the snapshot came from.
type SystemInfo struct {
	OS        string
	OSVersion string
	CPU       CPU
	CPUInfo   string
	CPUCount  int
}

// Snapshot is the full decoded minidump handed to the walker.
type Snapshot struct {
	System    *SystemInfo
	Threads   []*Thread
	Modules   *ModuleList
	Memory    *MemoryList
	Exception *Exception
}
