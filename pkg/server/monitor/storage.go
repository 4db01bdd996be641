package monitor

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const usageCacheDuration = 10 * time.Second

// StorageMonitor reports disk usage of the data directory against a limit.
// Usage is cached for a few seconds since every push ingest asks for it.
type StorageMonitor struct {
	dataDir  string
	maxBytes int64
	clock    clockwork.Clock

	mu          sync.Mutex
	cachedUsage int64
	lastCheck   time.Time
}

// NewStorageMonitor creates a new storage monitor. maxBytes of 0 means no limit.
func NewStorageMonitor(dataDir string, maxBytes int64, clock clockwork.Clock) *StorageMonitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &StorageMonitor{
		dataDir:  dataDir,
		maxBytes: maxBytes,
		clock:    clock,
	}
}

// GetUsage returns current storage usage in bytes (cached).
func (sm *StorageMonitor) GetUsage() (int64, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.lastCheck.IsZero() && sm.clock.Since(sm.lastCheck) < usageCacheDuration {
		return sm.cachedUsage, nil
	}

	usage, err := dirSize(sm.dataDir)
	if err != nil {
		return 0, err
	}

	sm.cachedUsage = usage
	sm.lastCheck = sm.clock.Now()
	return usage, nil
}

// GetLimit returns the configured storage limit in bytes.
func (sm *StorageMonitor) GetLimit() int64 {
	return sm.maxBytes
}

// dirSize sums the disk usage of every file under path. Allocated blocks are
// counted rather than logical size so Badger's sparse value logs are not
// overreported.
func dirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += diskUsage(filePath, info)
		}
		return nil
	})
	return size, err
}
