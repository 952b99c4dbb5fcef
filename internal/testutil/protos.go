// Package testutil holds proto fixtures shared by package tests.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bufbuild/protocompile"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

const (
	GreeterFile     = "helloworld/greeter.proto"
	KitchenSinkFile = "testpb/kitchensink.proto"
	LegacyFile      = "legacy/record.proto"
)

// GreeterProto is the canonical hello-world service.
const GreeterProto = `syntax = "proto3";

package helloworld;

service Greeter {
  rpc SayHello (HelloRequest) returns (HelloReply);
  rpc SayHelloStream (HelloRequest) returns (stream HelloReply);
}

message HelloRequest {
  string name = 1;
}

message HelloReply {
  string message = 1;
}
`

// KitchenSinkProto exercises every scalar kind, enums, recursion, repeated
// fields, maps, oneofs, proto3 optional and a well-known import.
const KitchenSinkProto = `syntax = "proto3";

package testpb;

import "google/protobuf/timestamp.proto";

enum Color {
  COLOR_UNSPECIFIED = 0;
  RED = 1;
  GREEN = 2;
  BLUE = 3;
}

message Nested {
  string label = 1;
  Nested child = 2;
  repeated int32 values = 3;
}

message Everything {
  double f_double = 1;
  float f_float = 2;
  int32 f_int32 = 3;
  int64 f_int64 = 4;
  uint32 f_uint32 = 5;
  uint64 f_uint64 = 6;
  sint32 f_sint32 = 7;
  sint64 f_sint64 = 8;
  fixed32 f_fixed32 = 9;
  fixed64 f_fixed64 = 10;
  sfixed32 f_sfixed32 = 11;
  sfixed64 f_sfixed64 = 12;
  bool f_bool = 13;
  string f_string = 14;
  bytes f_bytes = 15;
  Color color = 16;
  Nested nested = 17;
  repeated int32 numbers = 18;
  repeated string tags = 19;
  repeated Nested children = 20;
  map<string, int32> counts = 21;
  map<int64, Nested> by_id = 22;
  oneof choice {
    string text = 23;
    int64 number = 24;
    Nested detail = 25;
  }
  optional int32 maybe = 26;
  google.protobuf.Timestamp created_at = 27;
  repeated Color palette = 28;
  repeated int64 unpacked = 29 [packed = false];
}

service Kitchenware {
  rpc Cook (Everything) returns (Everything);
  rpc Stream (Everything) returns (stream Everything);
}
`

// LegacyProto covers proto2 closed enums, groups and explicit packing.
const LegacyProto = `syntax = "proto2";

package legacy;

enum Level {
  LOW = 1;
  HIGH = 2;
}

message Record {
  optional int32 id = 1;
  optional Level level = 2;
  optional group Item = 3 {
    optional string name = 4;
  }
  repeated int32 samples = 5 [packed = true];
  repeated int32 loose = 6;
}
`

// Sources returns every fixture keyed by import path.
func Sources() map[string]string {
	return map[string]string{
		GreeterFile:     GreeterProto,
		KitchenSinkFile: KitchenSinkProto,
		LegacyFile:      LegacyProto,
	}
}

// FileSet compiles the named fixtures into a descriptor set with every
// transitive dependency placed before its dependents. With no names, all
// fixtures are compiled.
func FileSet(t testing.TB, names ...string) *descriptorpb.FileDescriptorSet {
	t.Helper()
	return CompileSources(t, Sources(), names...)
}

// CompileSources compiles arbitrary in-memory proto sources.
func CompileSources(t testing.TB, sources map[string]string, names ...string) *descriptorpb.FileDescriptorSet {
	t.Helper()
	if len(names) == 0 {
		names = []string{GreeterFile, KitchenSinkFile, LegacyFile}
	}
	compiler := protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(&protocompile.SourceResolver{
			Accessor: protocompile.SourceAccessorFromMap(sources),
		}),
	}
	files, err := compiler.Compile(context.Background(), names...)
	require.NoError(t, err)

	set := &descriptorpb.FileDescriptorSet{}
	seen := make(map[string]bool)
	var add func(fd protoreflect.FileDescriptor)
	add = func(fd protoreflect.FileDescriptor) {
		if seen[fd.Path()] {
			return
		}
		seen[fd.Path()] = true
		imports := fd.Imports()
		for i := 0; i < imports.Len(); i++ {
			add(imports.Get(i).FileDescriptor)
		}
		set.File = append(set.File, protodesc.ToFileDescriptorProto(fd))
	}
	for _, f := range files {
		add(f)
	}
	return set
}

// Files converts a set into a protoregistry for dynamicpb-based servers.
func Files(t testing.TB, set *descriptorpb.FileDescriptorSet) *protoregistry.Files {
	t.Helper()
	files, err := protodesc.NewFiles(set)
	require.NoError(t, err)
	return files
}

// WriteSources writes every fixture under dir and returns dir.
func WriteSources(t testing.TB, dir string) string {
	t.Helper()
	for name, src := range Sources() {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	}
	return dir
}
