// Package registry links a raw descriptor set into an immutable, indexed
// collection of service, method, message and enum schemas.
package registry

import (
	"fmt"
	"strings"

	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/shhac/burrow/internal/errors"
)

type symbolKind int

const (
	symMessage symbolKind = iota + 1
	symEnum
	symService
)

func (k symbolKind) String() string {
	switch k {
	case symMessage:
		return "message"
	case symEnum:
		return "enum"
	case symService:
		return "service"
	default:
		return "symbol"
	}
}

type symbol struct {
	kind symbolKind
	idx  int
}

// Registry is the linked form of a descriptor set. Schemas live in flat
// arenas and are addressed by fully-qualified name through a single index.
// A Registry is never modified after FromRaw returns and is safe for
// concurrent use.
type Registry struct {
	files    []string
	services []*ServiceSchema
	messages []*MessageSchema
	enums    []*EnumSchema
	index    map[string]symbol
}

// Files returns the names of the linked files in input order.
func (r *Registry) Files() []string {
	return append([]string(nil), r.files...)
}

// ListServices returns every service in declaration order.
func (r *Registry) ListServices() []*ServiceSchema {
	return append([]*ServiceSchema(nil), r.services...)
}

// Service looks a service up by fully-qualified name.
func (r *Registry) Service(name string) (*ServiceSchema, error) {
	sym, ok := r.index[trimDot(name)]
	if !ok || sym.kind != symService {
		return nil, &errors.DescriptorLinkError{Reason: errors.LinkUnknownType, Name: name, Detail: "no such service"}
	}
	return r.services[sym.idx], nil
}

// ListMethods returns the methods of a service in declaration order.
func (r *Registry) ListMethods(service string) ([]*MethodSchema, error) {
	svc, err := r.Service(service)
	if err != nil {
		return nil, err
	}
	return append([]*MethodSchema(nil), svc.Methods...), nil
}

// FindMethod resolves a method by "pkg.Svc/Method", "/pkg.Svc/Method" or
// "pkg.Svc.Method".
func (r *Registry) FindMethod(name string) (*MethodSchema, error) {
	n := strings.TrimPrefix(name, "/")
	var svcName, methodName string
	if i := strings.LastIndexByte(n, '/'); i >= 0 {
		svcName, methodName = n[:i], n[i+1:]
	} else if i := strings.LastIndexByte(n, '.'); i >= 0 {
		svcName, methodName = n[:i], n[i+1:]
	}
	if svcName == "" || methodName == "" {
		return nil, &errors.DescriptorLinkError{Reason: errors.LinkUnknownType, Name: name, Detail: "not a method name"}
	}
	svc, err := r.Service(svcName)
	if err != nil {
		return nil, err
	}
	m := svc.Method(methodName)
	if m == nil {
		return nil, &errors.DescriptorLinkError{Reason: errors.LinkUnknownType, Name: name, Detail: "no such method"}
	}
	return m, nil
}

// ResolveMessage looks a message up by fully-qualified name.
func (r *Registry) ResolveMessage(name string) (*MessageSchema, error) {
	sym, ok := r.index[trimDot(name)]
	if !ok || sym.kind != symMessage {
		return nil, &errors.DescriptorLinkError{Reason: errors.LinkUnknownType, Name: name, Detail: "no such message"}
	}
	return r.messages[sym.idx], nil
}

// ResolveEnum looks an enum up by fully-qualified name.
func (r *Registry) ResolveEnum(name string) (*EnumSchema, error) {
	sym, ok := r.index[trimDot(name)]
	if !ok || sym.kind != symEnum {
		return nil, &errors.DescriptorLinkError{Reason: errors.LinkUnknownType, Name: name, Detail: "no such enum"}
	}
	return r.enums[sym.idx], nil
}

// Messages returns every message schema, map entries included, in the order
// they were declared.
func (r *Registry) Messages() []*MessageSchema {
	return append([]*MessageSchema(nil), r.messages...)
}

// Enums returns every enum schema in declaration order.
func (r *Registry) Enums() []*EnumSchema {
	return append([]*EnumSchema(nil), r.enums...)
}

// MustMessage is ResolveMessage for names the caller has already validated
// against this registry, such as FieldSchema.TypeName.
func (r *Registry) MustMessage(name string) *MessageSchema {
	m, err := r.ResolveMessage(name)
	if err != nil {
		panic(fmt.Sprintf("registry: %v", err))
	}
	return m
}

// MustEnum is ResolveEnum for linked references.
func (r *Registry) MustEnum(name string) *EnumSchema {
	e, err := r.ResolveEnum(name)
	if err != nil {
		panic(fmt.Sprintf("registry: %v", err))
	}
	return e
}

func trimDot(name string) string {
	return strings.TrimPrefix(name, ".")
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// FromRaw links set into a Registry. The first problem found is returned and
// no partial registry is produced.
func FromRaw(set *descriptorpb.FileDescriptorSet) (*Registry, error) {
	l := &linker{reg: &Registry{index: make(map[string]symbol)}}
	if err := l.declare(set); err != nil {
		return nil, err
	}
	if err := l.link(); err != nil {
		return nil, err
	}
	return l.reg, nil
}
