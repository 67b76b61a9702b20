package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/pdsmove/pdsmove/pkg/config"
	"github.com/pdsmove/pdsmove/pkg/migerr"
)

// factory builds a backend from the "cache" config sub-tree, reading its
// own keys under "<name>." (e.g. "disk.baseDir").
type factory func(cfg *config.Config) (Cache, error)

// Manager selects and holds the single durable-cache backend in use
// for a session. Selection happens once, at Open, from an ordered
// preference list; once chosen the backend is fixed for the session
// per spec.
type Manager struct {
	mu        sync.RWMutex
	factories map[string]factory
	active    Cache
	backend   string
}

var (
	defaultManager *Manager
	managerOnce    sync.Once
)

// GetManager returns the process-wide cache manager singleton.
func GetManager() *Manager {
	managerOnce.Do(func() {
		defaultManager = &Manager{factories: make(map[string]factory)}
		defaultManager.registerBuiltins()
	})
	return defaultManager
}

func (m *Manager) registerBuiltins() {
	m.RegisterFactory("disk", func(cfg *config.Config) (Cache, error) {
		baseDir := cfg.GetStringWithDefault("disk.baseDir", "./data/cache")
		disk, err := NewDiskCache(baseDir)
		if err != nil {
			return nil, err
		}
		lockDir := cfg.GetStringWithDefault("disk.lockDir", baseDir+"/.locks")
		timeout := time.Duration(cfg.GetIntWithDefault("disk.lockTimeoutMs", 30000)) * time.Millisecond
		return NewLockingCache(disk, lockDir, timeout)
	})
	m.RegisterFactory("bolt", func(cfg *config.Config) (Cache, error) {
		path := cfg.GetStringWithDefault("bolt.path", "./data/cache.bolt")
		return NewBoltCache(path)
	})
	m.RegisterFactory("memory", func(cfg *config.Config) (Cache, error) {
		quota := int64(cfg.GetIntWithDefault("memory.quotaBytes", 64*1024*1024))
		return NewMemCache(quota), nil
	})
}

// RegisterFactory adds or replaces the factory for a named backend class.
func (m *Manager) RegisterFactory(name string, f factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[name] = f
}

// Open selects the first backend in preference (in order) that opens
// successfully, passing each factory cfg scoped to "cache". It is
// idempotent: a second call returns the already-open backend.
func (m *Manager) Open(cfg *config.Config, preference []string) (Cache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return m.active, nil
	}
	if len(preference) == 0 {
		preference = []string{"disk", "bolt", "memory"}
	}
	cacheCfg := cfg.GetSubConfig("cache")
	var lastErr error
	for _, name := range preference {
		f, ok := m.factories[name]
		if !ok {
			lastErr = migerr.New(migerr.KindProtocol, "unknown cache backend: "+name)
			continue
		}
		backend, err := f(cacheCfg)
		if err != nil {
			lastErr = err
			continue
		}
		m.active = backend
		m.backend = name
		return backend, nil
	}
	return nil, fmt.Errorf("no cache backend could be opened, last error: %w", lastErr)
}

// Active returns the already-selected backend, or nil before Open.
func (m *Manager) Active() Cache { return m.active }

// Backend reports the name of the selected backend, for diagnostics.
func (m *Manager) Backend() string { return m.backend }
