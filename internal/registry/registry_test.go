package registry_test

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/shhac/burrow/internal/errors"
	"github.com/shhac/burrow/internal/registry"
	"github.com/shhac/burrow/internal/testutil"
)

func link(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.FromRaw(testutil.FileSet(t))
	require.NoError(t, err)
	return reg
}

func requireLinkError(t *testing.T, err error, reason errors.LinkReason) *errors.DescriptorLinkError {
	t.Helper()
	require.Error(t, err)
	var le *errors.DescriptorLinkError
	require.True(t, stderrors.As(err, &le), "expected DescriptorLinkError, got %T: %v", err, err)
	assert.Equal(t, reason, le.Reason)
	return le
}

// ---------------------------------------------------------------------------
// Listing
// ---------------------------------------------------------------------------

func TestListServices_DeclarationOrder(t *testing.T) {
	reg := link(t)

	var names []string
	for _, s := range reg.ListServices() {
		names = append(names, s.FullName)
	}
	assert.Equal(t, []string{"helloworld.Greeter", "testpb.Kitchenware"}, names)
}

func TestListMethods(t *testing.T) {
	reg := link(t)

	methods, err := reg.ListMethods("helloworld.Greeter")
	require.NoError(t, err)
	require.Len(t, methods, 2)

	assert.Equal(t, "SayHello", methods[0].Name)
	assert.True(t, methods[0].Unary())
	assert.Equal(t, "helloworld.HelloRequest", methods[0].InputType)
	assert.Equal(t, "helloworld.HelloReply", methods[0].OutputType)
	assert.Equal(t, "/helloworld.Greeter/SayHello", methods[0].Path())

	assert.Equal(t, "SayHelloStream", methods[1].Name)
	assert.False(t, methods[1].Unary())
	assert.Equal(t, "ServerStream", methods[1].StreamType())
}

func TestListMethods_UnknownService(t *testing.T) {
	reg := link(t)

	_, err := reg.ListMethods("helloworld.Nope")
	requireLinkError(t, err, errors.LinkUnknownType)
}

func TestFindMethod_Forms(t *testing.T) {
	reg := link(t)

	for _, name := range []string{
		"helloworld.Greeter/SayHello",
		"/helloworld.Greeter/SayHello",
		"helloworld.Greeter.SayHello",
	} {
		t.Run(name, func(t *testing.T) {
			m, err := reg.FindMethod(name)
			require.NoError(t, err)
			assert.Equal(t, "helloworld.Greeter.SayHello", m.FullName)
		})
	}

	_, err := reg.FindMethod("helloworld.Greeter/Missing")
	requireLinkError(t, err, errors.LinkUnknownType)

	_, err = reg.FindMethod("SayHello")
	requireLinkError(t, err, errors.LinkUnknownType)
}

// ---------------------------------------------------------------------------
// Resolution
// ---------------------------------------------------------------------------

func TestResolveMessage(t *testing.T) {
	reg := link(t)

	m, err := reg.ResolveMessage("testpb.Everything")
	require.NoError(t, err)
	assert.Equal(t, "Everything", m.Name)
	assert.Equal(t, "proto3", m.Syntax)

	_, err = reg.ResolveMessage(".testpb.Everything")
	require.NoError(t, err, "leading dot is accepted")

	_, err = reg.ResolveMessage("testpb.Color")
	requireLinkError(t, err, errors.LinkUnknownType)

	_, err = reg.ResolveMessage("Everything")
	requireLinkError(t, err, errors.LinkUnknownType)
}

func TestResolveEnum(t *testing.T) {
	reg := link(t)

	e, err := reg.ResolveEnum("testpb.Color")
	require.NoError(t, err)
	assert.Len(t, e.Values, 4)
	assert.Equal(t, int32(0), e.Default())
	assert.False(t, e.Closed)

	v, ok := e.ValueByName("GREEN")
	require.True(t, ok)
	assert.Equal(t, int32(2), v.Number)

	legacy, err := reg.ResolveEnum("legacy.Level")
	require.NoError(t, err)
	assert.True(t, legacy.Closed)
	assert.Equal(t, int32(1), legacy.Default(), "closed enum without zero defaults to first value")
}

func TestFieldSchemas(t *testing.T) {
	reg := link(t)
	m, err := reg.ResolveMessage("testpb.Everything")
	require.NoError(t, err)

	tests := []struct {
		name        string
		number      int32
		kind        protoreflect.Kind
		cardinality registry.Cardinality
		typeName    string
		packed      bool
	}{
		{"f_sint64", 8, protoreflect.Sint64Kind, registry.Singular, "", false},
		{"color", 16, protoreflect.EnumKind, registry.Singular, "testpb.Color", false},
		{"nested", 17, protoreflect.MessageKind, registry.Singular, "testpb.Nested", false},
		{"numbers", 18, protoreflect.Int32Kind, registry.Repeated, "", true},
		{"tags", 19, protoreflect.StringKind, registry.Repeated, "", false},
		{"counts", 21, protoreflect.MessageKind, registry.Map, "testpb.Everything.CountsEntry", false},
		{"created_at", 27, protoreflect.MessageKind, registry.Singular, "google.protobuf.Timestamp", false},
		{"unpacked", 29, protoreflect.Int64Kind, registry.Repeated, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := m.FieldByName(tt.name)
			require.NotNil(t, f)
			assert.Equal(t, tt.number, f.Number)
			assert.Equal(t, tt.kind, f.Kind)
			assert.Equal(t, tt.cardinality, f.Cardinality)
			assert.Equal(t, tt.typeName, f.TypeName)
			assert.Equal(t, tt.packed, f.Packed)
			assert.Same(t, f, m.Field(tt.number))
		})
	}

	assert.Same(t, m.FieldByName("f_sint64"), m.FieldByName("fSint64"), "JSON name lookup")
	assert.True(t, m.FieldByName("f_string").ValidateUTF8)
}

func TestMapFieldKeyValue(t *testing.T) {
	reg := link(t)
	m, err := reg.ResolveMessage("testpb.Everything")
	require.NoError(t, err)

	byID := m.FieldByName("by_id")
	require.True(t, byID.IsMap())
	assert.Equal(t, protoreflect.Int64Kind, byID.Key.Kind)
	assert.Equal(t, protoreflect.MessageKind, byID.Value.Kind)
	assert.Equal(t, "testpb.Nested", byID.Value.TypeName)
}

func TestOneofs(t *testing.T) {
	reg := link(t)
	m, err := reg.ResolveMessage("testpb.Everything")
	require.NoError(t, err)

	require.Len(t, m.Oneofs, 2)
	choice := m.Oneof(m.FieldByName("text"))
	require.NotNil(t, choice)
	assert.Equal(t, "choice", choice.Name)
	assert.Equal(t, []int32{23, 24, 25}, choice.Fields)
	assert.False(t, choice.Synthetic)

	maybe := m.Oneof(m.FieldByName("maybe"))
	require.NotNil(t, maybe)
	assert.True(t, maybe.Synthetic)

	assert.Nil(t, m.Oneof(m.FieldByName("f_bool")))
}

func TestFieldsByNumber_Sorted(t *testing.T) {
	reg := link(t)
	m, err := reg.ResolveMessage("testpb.Everything")
	require.NoError(t, err)

	fields := m.FieldsByNumber()
	for i := 1; i < len(fields); i++ {
		assert.Less(t, fields[i-1].Number, fields[i].Number)
	}
}

func TestRecursiveMessage(t *testing.T) {
	reg := link(t)
	m, err := reg.ResolveMessage("testpb.Nested")
	require.NoError(t, err)

	child := m.FieldByName("child")
	require.NotNil(t, child)
	assert.Equal(t, "testpb.Nested", child.TypeName)
	assert.Same(t, m, reg.MustMessage(child.TypeName))
}

func TestLegacyGroupAndPacking(t *testing.T) {
	reg := link(t)
	m, err := reg.ResolveMessage("legacy.Record")
	require.NoError(t, err)

	item := m.FieldByName("item")
	require.NotNil(t, item)
	assert.Equal(t, protoreflect.GroupKind, item.Kind)
	assert.Equal(t, "legacy.Record.Item", item.TypeName)

	assert.True(t, m.FieldByName("samples").Packed)
	assert.False(t, m.FieldByName("loose").Packed)
	assert.False(t, m.FieldByName("id").ValidateUTF8)
}

func TestFiles_DependenciesFirst(t *testing.T) {
	files := link(t).Files()

	index := map[string]int{}
	for i, f := range files {
		index[f] = i
	}
	require.Len(t, index, len(files), "each file is linked once")
	for _, f := range []string{testutil.GreeterFile, testutil.KitchenSinkFile, testutil.LegacyFile, "google/protobuf/timestamp.proto"} {
		assert.Contains(t, index, f)
	}
	assert.Less(t, index["google/protobuf/timestamp.proto"], index[testutil.KitchenSinkFile])
}

func TestNoDanglingReferences(t *testing.T) {
	reg := link(t)

	for _, m := range reg.Messages() {
		for _, f := range m.Fields {
			switch f.Kind {
			case protoreflect.MessageKind, protoreflect.GroupKind:
				_, err := reg.ResolveMessage(f.TypeName)
				assert.NoError(t, err, f.FullName())
			case protoreflect.EnumKind:
				_, err := reg.ResolveEnum(f.TypeName)
				assert.NoError(t, err, f.FullName())
			}
		}
	}
	closed := map[string]bool{}
	for _, e := range reg.Enums() {
		assert.NotEmpty(t, e.Values, e.FullName)
		resolved, err := reg.ResolveEnum(e.FullName)
		require.NoError(t, err)
		assert.Same(t, e, resolved)
		closed[e.FullName] = e.Closed
	}
	assert.Equal(t, map[string]bool{"testpb.Color": false, "legacy.Level": true}, closed)
	for _, s := range reg.ListServices() {
		for _, m := range s.Methods {
			_, err := reg.ResolveMessage(m.InputType)
			assert.NoError(t, err)
			_, err = reg.ResolveMessage(m.OutputType)
			assert.NoError(t, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Link failures
// ---------------------------------------------------------------------------

func greeterSet(t *testing.T) *descriptorpb.FileDescriptorSet {
	return testutil.FileSet(t, testutil.GreeterFile)
}

func TestFromRaw_UnresolvedType(t *testing.T) {
	set := greeterSet(t)
	msg := set.File[0].MessageType[0]
	msg.Field = append(msg.Field, &descriptorpb.FieldDescriptorProto{
		Name:     proto.String("extra"),
		Number:   proto.Int32(2),
		Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:     descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum(),
		TypeName: proto.String(".helloworld.Missing"),
	})

	_, err := registry.FromRaw(set)
	le := requireLinkError(t, err, errors.LinkUnresolvedType)
	assert.Equal(t, "helloworld.Missing", le.Name)
	assert.ErrorIs(t, err, errors.ErrInvalidDescriptor)
}

func TestFromRaw_MissingDependencyFile(t *testing.T) {
	set := testutil.FileSet(t, testutil.KitchenSinkFile)
	// Drop google/protobuf/timestamp.proto.
	require.Equal(t, "google/protobuf/timestamp.proto", set.File[0].GetName())
	set.File = set.File[1:]

	_, err := registry.FromRaw(set)
	le := requireLinkError(t, err, errors.LinkUnresolvedType)
	assert.Equal(t, "google.protobuf.Timestamp", le.Name)
}

func TestFromRaw_DuplicateType(t *testing.T) {
	set := greeterSet(t)
	dup := proto.Clone(set.File[0]).(*descriptorpb.FileDescriptorProto)
	dup.Name = proto.String("helloworld/copy.proto")
	set.File = append(set.File, dup)

	_, err := registry.FromRaw(set)
	requireLinkError(t, err, errors.LinkDuplicateType)
}

func TestFromRaw_DuplicateFieldNumber(t *testing.T) {
	set := greeterSet(t)
	msg := set.File[0].MessageType[0]
	msg.Field = append(msg.Field, &descriptorpb.FieldDescriptorProto{
		Name:   proto.String("other"),
		Number: proto.Int32(1),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   descriptorpb.FieldDescriptorProto_TYPE_INT32.Enum(),
	})

	_, err := registry.FromRaw(set)
	requireLinkError(t, err, errors.LinkInvalidSchema)
}

func TestFromRaw_RepeatedOneofMember(t *testing.T) {
	set := greeterSet(t)
	msg := set.File[0].MessageType[0]
	msg.OneofDecl = append(msg.OneofDecl, &descriptorpb.OneofDescriptorProto{Name: proto.String("pick")})
	msg.Field = append(msg.Field, &descriptorpb.FieldDescriptorProto{
		Name:       proto.String("many"),
		Number:     proto.Int32(2),
		Label:      descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum(),
		Type:       descriptorpb.FieldDescriptorProto_TYPE_INT32.Enum(),
		OneofIndex: proto.Int32(0),
	})

	_, err := registry.FromRaw(set)
	le := requireLinkError(t, err, errors.LinkInvalidSchema)
	assert.Contains(t, le.Detail, "oneof")
}

func TestFromRaw_EmptyEnum(t *testing.T) {
	set := greeterSet(t)
	set.File[0].EnumType = append(set.File[0].EnumType, &descriptorpb.EnumDescriptorProto{
		Name: proto.String("Empty"),
	})

	_, err := registry.FromRaw(set)
	le := requireLinkError(t, err, errors.LinkInvalidSchema)
	assert.Equal(t, "helloworld.Empty", le.Name)
}

func TestFromRaw_MethodTypeNotMessage(t *testing.T) {
	set := greeterSet(t)
	set.File[0].EnumType = append(set.File[0].EnumType, &descriptorpb.EnumDescriptorProto{
		Name:  proto.String("Mood"),
		Value: []*descriptorpb.EnumValueDescriptorProto{{Name: proto.String("MOOD_UNSPECIFIED"), Number: proto.Int32(0)}},
	})
	set.File[0].Service[0].Method[0].InputType = proto.String(".helloworld.Mood")

	_, err := registry.FromRaw(set)
	requireLinkError(t, err, errors.LinkInvalidSchema)
}

func TestFromRaw_MalformedMapEntry(t *testing.T) {
	set := testutil.FileSet(t, testutil.KitchenSinkFile)
	var everything *descriptorpb.DescriptorProto
	for _, m := range set.File[len(set.File)-1].MessageType {
		if m.GetName() == "Everything" {
			everything = m
		}
	}
	require.NotNil(t, everything)
	for _, nested := range everything.NestedType {
		if nested.GetName() == "CountsEntry" {
			nested.Field = nested.Field[:1]
		}
	}

	_, err := registry.FromRaw(set)
	le := requireLinkError(t, err, errors.LinkInvalidSchema)
	assert.Equal(t, "testpb.Everything.CountsEntry", le.Name)
}

func TestFromRaw_EmptySet(t *testing.T) {
	reg, err := registry.FromRaw(&descriptorpb.FileDescriptorSet{})
	require.NoError(t, err)
	assert.Empty(t, reg.ListServices())
}
