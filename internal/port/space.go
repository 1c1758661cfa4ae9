package port

// SpaceCheckResult contains detailed space availability information
type SpaceCheckResult struct {
	HasSpace           bool
	RequiredBytes      int64
	FreeBytes          uint64
	DiskUsedPct        float64
	MinFreePct         float64
	LimitedByFreeBytes bool
	LimitedByFreePct   bool
}

// SpaceChecker defines the interface for pre-download space checks
type SpaceChecker interface {
	// CheckSpace checks if dir can hold another required bytes
	CheckSpace(dir string, required int64) (*SpaceCheckResult, error)
}
