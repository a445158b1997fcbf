package engine

import (
	"sort"
	"strings"

	"github.com/louisbranch/tandem.space/internal/platform/encoding"
	"github.com/louisbranch/tandem.space/internal/platform/errors"
	"github.com/louisbranch/tandem.space/internal/wire"
)

// Factory creates an object instance while processing an ordered event.
// Factories are also invoked with nil args when reconstructing objects
// from a snapshot, before Restore is called, and must tolerate that.
type Factory func(ctx *Context, args []byte) (Object, error)

// Method is a deterministic object method invocable by future entries.
type Method func(ctx *Context, obj Object, args []byte) error

// Handler reacts to an ordered application or membership event.
type Handler func(ctx *Context, evt wire.Event) error

type class struct {
	name    string
	factory Factory
	methods map[string]Method
}

type handlerKey struct {
	scope string
	name  string
}

// Registry is the registration table shared by all participants: object
// classes with their method tables, and event handlers keyed by
// (scope, name). It must be fully populated before the session starts and
// identical across participants, which the join handshake enforces by
// comparing registration hashes.
type Registry struct {
	classes  map[string]*class
	handlers map[handlerKey]Handler
}

// NewRegistry creates an empty registration table.
func NewRegistry() *Registry {
	return &Registry{
		classes:  make(map[string]*class),
		handlers: make(map[handlerKey]Handler),
	}
}

// RegisterClass registers an object factory under a class identifier.
func (r *Registry) RegisterClass(name string, factory Factory) error {
	if strings.TrimSpace(name) == "" {
		return errors.New(errors.CodeClassNotRegistered, "class name is required")
	}
	if _, exists := r.classes[name]; exists {
		return errors.WithMetadata(errors.CodeClassNotRegistered, "class already registered",
			map[string]string{"class": name})
	}
	r.classes[name] = &class{name: name, factory: factory, methods: make(map[string]Method)}
	return nil
}

// RegisterMethod adds a named method to a registered class. Future entries
// target methods by name, resolved through this table rather than
// reflection.
func (r *Registry) RegisterMethod(className, methodName string, method Method) error {
	cls, ok := r.classes[className]
	if !ok {
		return errors.WithMetadata(errors.CodeClassNotRegistered, "class is not registered",
			map[string]string{"class": className})
	}
	if _, exists := cls.methods[methodName]; exists {
		return errors.WithMetadata(errors.CodeMethodNotFound, "method already registered",
			map[string]string{"class": className, "method": methodName})
	}
	cls.methods[methodName] = method
	return nil
}

// Subscribe registers a handler for ordered events matching (scope, name).
func (r *Registry) Subscribe(scope, name string, handler Handler) error {
	if err := wire.Validate(scope, name); err != nil {
		return err
	}
	r.handlers[handlerKey{scope: scope, name: name}] = handler
	return nil
}

// Hash fingerprints the registration table. Two participants may share a
// session only when their hashes are equal.
func (r *Registry) Hash() (string, error) {
	type table struct {
		Classes  map[string][]string `json:"classes"`
		Handlers []string            `json:"handlers"`
	}

	t := table{Classes: make(map[string][]string, len(r.classes))}
	for name, cls := range r.classes {
		methods := make([]string, 0, len(cls.methods))
		for m := range cls.methods {
			methods = append(methods, m)
		}
		sort.Strings(methods)
		t.Classes[name] = methods
	}
	for key := range r.handlers {
		t.Handlers = append(t.Handlers, key.scope+"/"+key.name)
	}
	sort.Strings(t.Handlers)

	return encoding.ContentHash(t)
}

func (r *Registry) handler(scope, name string) (Handler, bool) {
	h, ok := r.handlers[handlerKey{scope: scope, name: name}]
	return h, ok
}
