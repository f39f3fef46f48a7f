package ecs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"
)

// ComponentID is a dense, stable identifier for a registered component
// type, assigned on first registration.
type ComponentID uint16

// MaxComponents is the maximum number of registered component types.
const MaxComponents = 256

// Flavor classifies a component's storage semantics.
type Flavor uint8

const (
	// POD components are trivially copyable, free of heap references, and
	// are written into the versioned store.
	POD Flavor = iota
	// Opaque components may hold handles (channels, file descriptors,
	// sockets). They are never serialized and never reach the versioned
	// store, and are only touched from the Pre and Post phases.
	Opaque
	// Tag components carry no data. Relations are registered as tags.
	Tag
)

func (f Flavor) String() string {
	switch f {
	case POD:
		return "pod"
	case Opaque:
		return "opaque"
	case Tag:
		return "tag"
	}
	return "unknown"
}

// Descriptor holds the registration record for a component type: identity,
// layout, and the vtable the archetype store and versioned store use.
type Descriptor struct {
	ID     ComponentID
	Name   string
	Size   uintptr
	Align  uintptr
	Flavor Flavor

	typ       reflect.Type
	newColumn func() column
	clone     func(any) any
	equal     func(a, b any) bool
	encode    func(any) ([]byte, error) // nil for opaque and tag flavors
	decode    func([]byte) (any, error)
}

// Type returns the Go type this descriptor was registered for.
func (d *Descriptor) Type() reflect.Type { return d.typ }

// Persisted reports whether values of this component are written into the
// versioned store.
func (d *Descriptor) Persisted() bool { return d.Flavor == POD }

// Encode serializes a POD value to little-endian bytes.
func (d *Descriptor) Encode(v any) ([]byte, error) {
	if d.encode == nil {
		return nil, fmt.Errorf("ecs: component %q is %s, not encodable", d.Name, d.Flavor)
	}
	return d.encode(v)
}

// Decode deserializes bytes produced by Encode.
func (d *Descriptor) Decode(b []byte) (any, error) {
	if d.decode == nil {
		return nil, fmt.Errorf("ecs: component %q is %s, not decodable", d.Name, d.Flavor)
	}
	return d.decode(b)
}

// Registry assigns component IDs and stores descriptors. A registry belongs
// to one World; it is only written during registration, which happens in
// the Pre phase or at boot, so no locking is needed.
type Registry struct {
	byName map[string]*Descriptor
	byType map[reflect.Type]*Descriptor
	byID   []*Descriptor
}

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Descriptor, 64),
		byType: make(map[reflect.Type]*Descriptor, 64),
		byID:   make([]*Descriptor, 0, 64),
	}
}

// Register registers component type T under the given name and returns its
// descriptor. Registration is idempotent: registering the same type and
// name again returns the existing descriptor. Registering a different type
// under an already-used name is fatal on the first mismatch, as is a POD
// registration of a type carrying heap references.
func Register[T any](r *Registry, name string, flavor Flavor) *Descriptor {
	typ := reflect.TypeOf((*T)(nil)).Elem()

	if d, ok := r.byName[name]; ok {
		if d.typ != typ {
			panic(fmt.Sprintf("ecs: component %q re-registered with different type: %v (size %d) vs %v (size %d)",
				name, d.typ, d.Size, typ, typ.Size()))
		}
		return d
	}
	if len(r.byID) >= MaxComponents {
		panic(fmt.Sprintf("ecs: component limit exceeded (max %d types)", MaxComponents))
	}
	if flavor == POD {
		if err := validatePOD(typ); err != nil {
			panic(fmt.Sprintf("ecs: component %q: %v", name, err))
		}
	}

	d := &Descriptor{
		ID:     ComponentID(len(r.byID)),
		Name:   name,
		Size:   typ.Size(),
		Align:  uintptr(typ.Align()),
		Flavor: flavor,
		typ:    typ,
		newColumn: func() column {
			return &typedColumn[T]{}
		},
		clone: func(v any) any {
			return v.(T) // value copy; opaque handles copy by reference
		},
		equal: func(a, b any) bool {
			return reflect.DeepEqual(a, b)
		},
	}
	if flavor == POD {
		d.encode = func(v any) ([]byte, error) {
			var buf bytes.Buffer
			if err := binary.Write(&buf, binary.LittleEndian, v.(T)); err != nil {
				return nil, fmt.Errorf("encode %s: %w", name, err)
			}
			return buf.Bytes(), nil
		}
		d.decode = func(b []byte) (any, error) {
			var v T
			if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &v); err != nil {
				return nil, fmt.Errorf("decode %s: %w", name, err)
			}
			return v, nil
		}
	}

	r.byName[name] = d
	r.byType[typ] = d
	r.byID = append(r.byID, d)
	return d
}

// Descriptor returns the descriptor for the given ID, or nil.
func (r *Registry) Descriptor(id ComponentID) *Descriptor {
	if int(id) >= len(r.byID) {
		return nil
	}
	return r.byID[id]
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// LookupType returns the descriptor for a Go type.
func (r *Registry) LookupType(typ reflect.Type) (*Descriptor, bool) {
	d, ok := r.byType[typ]
	return d, ok
}

// IsOpaque reports whether the component is excluded from the versioned
// store.
func (r *Registry) IsOpaque(id ComponentID) bool {
	d := r.Descriptor(id)
	return d != nil && d.Flavor == Opaque
}

// Count returns the number of registered component types.
func (r *Registry) Count() int { return len(r.byID) }

// validatePOD rejects types with heap references anywhere in their layout.
// Growable sequences, maps, sets, owning strings and handles are modeled
// as relations or as data on the WORLD entity instead.
func validatePOD(typ reflect.Type) error {
	switch typ.Kind() {
	case reflect.Bool,
		reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
		return nil
	case reflect.Int, reflect.Uint, reflect.Uintptr:
		// Platform-sized integers change layout across architectures and
		// would make the versioned store non-portable.
		return fmt.Errorf("platform-sized kind %s is not allowed in a POD component, use a fixed-width type", typ.Kind())
	case reflect.Array:
		return validatePOD(typ.Elem())
	case reflect.Struct:
		for i := 0; i < typ.NumField(); i++ {
			if err := validatePOD(typ.Field(i).Type); err != nil {
				return fmt.Errorf("field %s: %w", typ.Field(i).Name, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("kind %s is not allowed in a POD component", typ.Kind())
	}
}
