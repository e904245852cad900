package segment

import (
	"fmt"
	"slices"
	"sync"

	"github.com/cyclopcam/logs"
)

// Factory creates one instance of a model, for the given device index
type Factory func(log logs.Log, config *ModelConfig, device int) (Segmenter, error)

var registryLock sync.RWMutex
var registry = map[string]Factory{}

// Register makes a model available under name. Registering a name twice replaces the first.
func Register(name string, factory Factory) {
	registryLock.Lock()
	defer registryLock.Unlock()
	registry[name] = factory
}

// Models returns the registered model names, sorted
func Models() []string {
	registryLock.RLock()
	defer registryLock.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Load creates one model instance per device.
// If any device fails to load, the instances that did load are closed.
func Load(log logs.Log, config *ModelConfig, devices int) ([]Segmenter, error) {
	registryLock.RLock()
	factory := registry[config.Name]
	registryLock.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("%w '%v' (available: %v)", ErrUnknownModel, config.Name, Models())
	}

	devices = max(devices, 1)
	models := []Segmenter{}
	for d := 0; d < devices; d++ {
		m, err := factory(log, config, d)
		if err != nil {
			for _, loaded := range models {
				loaded.Close()
			}
			return nil, fmt.Errorf("Failed to load model '%v' on device %v: %w", config.Name, d, err)
		}
		models = append(models, m)
	}
	log.Infof("Loaded segmentation model '%v' on %v device(s)", config.Name, devices)
	return models, nil
}
