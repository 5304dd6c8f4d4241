package driver

import (
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/materials-commons/filegate/pkg/gwerr"
	"github.com/mitchellh/mapstructure"
)

// Options are the raw driver options from configuration or a stored mount point.
type Options map[string]any

// Factory creates an unauthenticated driver from its options.
type Factory func(opts Options) (Driver, error)

var registry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

// Register makes a driver kind available. Drivers register themselves from an init
// function, so importing a driver package is enough to enable it.
func Register(kind string, factory Factory) {
	kind = normalizeKind(kind)
	if kind == "" || factory == nil {
		return
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.factories[kind] = factory
}

// New creates a driver of the given kind.
func New(kind string, opts Options) (Driver, error) {
	registry.mu.RLock()
	factory, ok := registry.factories[normalizeKind(kind)]
	registry.mu.RUnlock()

	if !ok {
		return nil, gwerr.E(gwerr.Unsupported, "unknown driver kind '%s'", kind)
	}

	if opts == nil {
		opts = Options{}
	}

	return factory(opts)
}

// Kinds lists the registered driver kinds.
func Kinds() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	kinds := make([]string, 0, len(registry.factories))
	for kind := range registry.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

func IsRegistered(kind string) bool {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	_, ok := registry.factories[normalizeKind(kind)]
	return ok
}

func normalizeKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}

var validate = validator.New()

// DecodeOptions decodes opts into the struct pointed to by target, using `mapstructure`
// tags, and validates it with its `validate` tags.
func DecodeOptions(opts Options, target interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, err, "creating options decoder")
	}

	if err := decoder.Decode(map[string]any(opts)); err != nil {
		return gwerr.Wrap(gwerr.InvalidRequest, err, "invalid driver options")
	}

	if err := validate.Struct(target); err != nil {
		return gwerr.Wrap(gwerr.InvalidRequest, err, "invalid driver options")
	}

	return nil
}
