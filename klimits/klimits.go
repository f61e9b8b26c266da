// Package klimits centralizes the kernel's tunable resource limits.
package klimits

/// Limits_t collects the system-wide resource limits this kernel
/// enforces. Trimmed from biscuit's Syslimit_t to the limits this core
/// actually needs: networking-only fields (Arpents, Routes, Tcpsegs)
/// are dropped since networking is out of scope.
type Limits_t struct {
	NOFILE    int /// open files per process
	NFILE     int /// size of the global file-object pool
	NPIPE     int /// max concurrently open pipes
	NInode    int /// inode cache capacity
	NBlock    int /// block cache capacity
	EvictAt   int /// block cache eviction threshold
	PipeSize  int /// bytes per pipe ring buffer
	OpMaxBlks int /// OP_MAX_NUM_BLOCKS
	LogMaxLen int /// LOG_MAX_SIZE, in blocks
}

/// MkDefaultLimits returns the default tuning used by cmd/kerneld and
/// by tests that don't need a custom configuration.
func MkDefaultLimits() *Limits_t {
	return &Limits_t{
		NOFILE:    16,
		NFILE:     256,
		NPIPE:     64,
		NInode:    512,
		NBlock:    256,
		EvictAt:   192,
		PipeSize:  4096,
		OpMaxBlks: 10,
		LogMaxLen: 3*10 + 2,
	}
}

/// Default is the package-level instance most callers use.
var Default = MkDefaultLimits()
