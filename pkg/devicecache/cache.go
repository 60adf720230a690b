package devicecache

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kdeconnectd/devicecore/internal/corelog"
)

// Cache is a YAML-backed, group-per-device_id persistence file.
// Writes are full-group overwrites of the whole file; the in-memory
// map is the source of truth between flushes.
type Cache struct {
	mu      sync.Mutex
	path    string
	logger  corelog.Logger
	entries map[string]Entry
}

// Open loads path into memory, skipping any malformed group with a
// warning. A missing file is treated as an empty cache.
func Open(path string, logger corelog.Logger) (*Cache, error) {
	if logger == nil {
		logger = corelog.NoopLogger{}
	}
	c := &Cache{path: path, logger: logger, entries: make(map[string]Entry)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, err
	}

	var raw map[string]yamlEntry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	for deviceID, y := range raw {
		entry, err := y.toEntry(deviceID)
		if err != nil {
			c.logger.Log(corelog.Event{
				Timestamp: time.Now(),
				Layer:     corelog.LayerDispatch,
				Category:  corelog.CategoryError,
				DeviceID:  deviceID,
				Err: &corelog.ErrorEvent{
					Message: ErrCacheLoadError.Error(),
					Context: "devicecache.Open: skipping malformed group",
				},
			})
			continue
		}
		c.entries[deviceID] = entry
	}

	return c, nil
}

// Get returns the cached entry for deviceID, if any.
func (c *Cache) Get(deviceID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[deviceID]
	return e, ok
}

// All returns every cached entry, in no particular order.
func (c *Cache) All() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out
}

// Put upserts entry and flushes the whole file to disk.
func (c *Cache) Put(entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.DeviceID] = entry
	return c.save()
}

// Delete removes deviceID's group, if present, and flushes to disk.
func (c *Cache) Delete(deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, deviceID)
	return c.save()
}

// save must be called with mu held.
func (c *Cache) save() error {
	raw := make(map[string]yamlEntry, len(c.entries))
	for deviceID, entry := range c.entries {
		raw[deviceID] = entryToYAML(entry)
	}

	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return os.WriteFile(c.path, data, 0644)
}
