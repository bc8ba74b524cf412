package diskstore

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// Codec turns a cache element into a byte buffer and back.
//
// Encode may return [ErrConcurrentMutation] (possibly wrapped) when the
// element's payload is a caller-owned object graph that was structurally
// modified mid-traversal; the store retries exactly once after a fixed
// delay before surfacing it. Any other Encode error propagates immediately
// without retry.
//
// Implementations must be safe for concurrent use.
type Codec interface {
	Encode(element Element) ([]byte, error)
	Decode(data []byte) (Element, error)
}

// TypeResolver resolves a serialized payload's type name to a concrete Go
// type during decoding.
//
// This is the duck-typed payload hook: a store first consults the
// context-scoped resolver supplied via [Options.Resolver] and only falls
// back to the package-level default registry if that lookup misses. A miss
// in an earlier resolver is never fatal on its own.
type TypeResolver interface {
	Resolve(name string) (reflect.Type, bool)
}

// TypeRegistry is a TypeResolver backed by an explicit name-to-type map.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewTypeRegistry returns an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{types: make(map[string]reflect.Type)}
}

// Register records prototype's concrete type under its own type name, the
// same name Encode stamps on payloads. Pointer indirection is flattened
// (gob semantics): *T registers as T.
func (r *TypeRegistry) Register(prototype any) {
	r.RegisterName(payloadTypeName(prototype), prototype)
}

// RegisterName records prototype's concrete type under an explicit name.
// Panics on an empty name or nil prototype; this is a programming error.
func (r *TypeRegistry) RegisterName(name string, prototype any) {
	if name == "" {
		panic("diskstore: RegisterName with empty name")
	}

	typ := payloadType(prototype)
	if typ == nil {
		panic("diskstore: RegisterName with nil prototype")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.types[name] = typ
}

// Resolve implements [TypeResolver].
func (r *TypeRegistry) Resolve(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	typ, ok := r.types[name]

	return typ, ok
}

// defaultRegistry is the fallback resolution mechanism, shared by all
// stores in the process.
var defaultRegistry = NewTypeRegistry()

// RegisterType records a payload type in the process-wide default registry.
// Analogous to [gob.Register]: call it once per payload type, typically
// from an init function.
func RegisterType(prototype any) {
	defaultRegistry.Register(prototype)
}

// payloadType returns the non-pointer concrete type of v, or nil.
func payloadType(v any) reflect.Type {
	typ := reflect.TypeOf(v)
	for typ != nil && typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}

	return typ
}

// payloadTypeName returns the stable name payloads of v's type are
// serialized under.
func payloadTypeName(v any) string {
	typ := payloadType(v)
	if typ == nil {
		return ""
	}

	return typ.String()
}

// envelope is the on-disk shape of one serialized element.
//
// The payload is framed as a separate gob stream so the type name can be
// resolved before any payload bytes are interpreted.
type envelope struct {
	Key      string
	HitCount int64
	Expiry   time.Time

	TypeName string
	Payload  []byte
}

// GobCodec is the default [Codec]. Payloads are encoded with encoding/gob
// and their concrete type is recorded by name; decoding resolves the name
// through the configured resolver chain, then the package default registry.
type GobCodec struct {
	resolvers []TypeResolver
}

var _ Codec = (*GobCodec)(nil)

// NewGobCodec returns a GobCodec that resolves payload types through the
// given resolvers in order, falling back to the default registry
// ([RegisterType]) after all of them miss.
func NewGobCodec(resolvers ...TypeResolver) *GobCodec {
	return &GobCodec{resolvers: resolvers}
}

// Encode implements [Codec].
func (c *GobCodec) Encode(element Element) ([]byte, error) {
	env := envelope{
		Key:      element.Key,
		HitCount: element.HitCount,
		Expiry:   element.Expiry,
	}

	if element.Value != nil {
		var payload bytes.Buffer

		err := gob.NewEncoder(&payload).Encode(element.Value)
		if err != nil {
			return nil, fmt.Errorf("encoding payload for %q: %w", element.Key, err)
		}

		env.TypeName = payloadTypeName(element.Value)
		env.Payload = payload.Bytes()
	}

	var buf bytes.Buffer

	err := gob.NewEncoder(&buf).Encode(env)
	if err != nil {
		return nil, fmt.Errorf("encoding element %q: %w", element.Key, err)
	}

	return buf.Bytes(), nil
}

// Decode implements [Codec].
func (c *GobCodec) Decode(data []byte) (Element, error) {
	var env envelope

	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env)
	if err != nil {
		return Element{}, fmt.Errorf("decoding element: %w", err)
	}

	element := Element{
		Key:      env.Key,
		HitCount: env.HitCount,
		Expiry:   env.Expiry,
	}

	if env.TypeName == "" {
		return element, nil
	}

	typ, ok := c.resolve(env.TypeName)
	if !ok {
		return Element{}, fmt.Errorf("%w: %q", ErrUnknownPayloadType, env.TypeName)
	}

	value := reflect.New(typ)

	err = gob.NewDecoder(bytes.NewReader(env.Payload)).Decode(value.Interface())
	if err != nil {
		return Element{}, fmt.Errorf("decoding payload for %q: %w", env.Key, err)
	}

	element.Value = value.Elem().Interface()

	return element, nil
}

// resolve tries each configured resolver in order, then the default
// registry. An early miss is not fatal.
func (c *GobCodec) resolve(name string) (reflect.Type, bool) {
	for _, resolver := range c.resolvers {
		if typ, ok := resolver.Resolve(name); ok {
			return typ, true
		}
	}

	return defaultRegistry.Resolve(name)
}
