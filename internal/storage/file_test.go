package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/testing/protocmp"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/shhac/burrow/internal/logging"
)

func sampleSet() *descriptorpb.FileDescriptorSet {
	return &descriptorpb.FileDescriptorSet{File: []*descriptorpb.FileDescriptorProto{{
		Name:    proto.String("sample/v1/sample.proto"),
		Package: proto.String("sample.v1"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{{
			Name: proto.String("Ping"),
		}},
	}}}
}

func TestAtomicWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	require.NoError(t, atomicWriteFile(path, []byte("old"), 0644))
	require.NoError(t, atomicWriteFile(path, []byte("new"), 0644))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestAtomicWriteFile_MissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodir", "out.bin")
	assert.Error(t, atomicWriteFile(path, []byte("data"), 0644))
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"payments", false},
		{"staging api", false},
		{"with.dots", false},
		{"unicode-名前", false},
		{"", true},
		{"..", true},
		{"foo/../bar", true},
		{"../escape", true},
		{"path/sep", true},
		{"back\\slash", true},
		{"has\x00null", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateName(tt.name)
			assert.Equal(t, tt.wantErr, err != nil, "validateName(%q) = %v", tt.name, err)
		})
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	store := NewFileStore(t.TempDir(), logging.NewNopLogger())

	names, err := store.ListDescriptorSets()
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, store.SaveDescriptorSet("sample", sampleSet()))
	require.NoError(t, store.SaveDescriptorSet("another", &descriptorpb.FileDescriptorSet{}))

	loaded, err := store.LoadDescriptorSet("sample")
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(sampleSet(), loaded, protocmp.Transform()))

	names, err = store.ListDescriptorSets()
	require.NoError(t, err)
	assert.Equal(t, []string{"another", "sample"}, names)

	require.NoError(t, store.DeleteDescriptorSet("another"))
	assert.Error(t, store.DeleteDescriptorSet("another"))
	_, err = store.LoadDescriptorSet("another")
	assert.ErrorContains(t, err, "not found")
}

func TestFileStore_PathTraversal(t *testing.T) {
	store := NewFileStore(t.TempDir(), logging.NewNopLogger())
	for _, name := range []string{"../../etc/passwd", "../escape", "foo/bar", "back\\slash"} {
		assert.Error(t, store.SaveDescriptorSet(name, sampleSet()), name)
		_, err := store.LoadDescriptorSet(name)
		assert.Error(t, err, name)
		assert.Error(t, store.DeleteDescriptorSet(name), name)
	}
}

func TestExportFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api.protoset")
	require.NoError(t, ExportFile(path, sampleSet()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	got := &descriptorpb.FileDescriptorSet{}
	require.NoError(t, proto.Unmarshal(data, got))
	assert.True(t, proto.Equal(sampleSet(), got))
}

func TestMemoryStore(t *testing.T) {
	var repo Repository = NewMemoryStore()

	set := sampleSet()
	require.NoError(t, repo.SaveDescriptorSet("sample", set))
	set.File[0].Name = proto.String("changed.proto")

	loaded, err := repo.LoadDescriptorSet("sample")
	require.NoError(t, err)
	assert.Equal(t, "sample/v1/sample.proto", loaded.GetFile()[0].GetName(), "store keeps its own copy")

	names, err := repo.ListDescriptorSets()
	require.NoError(t, err)
	assert.Equal(t, []string{"sample"}, names)

	require.NoError(t, repo.DeleteDescriptorSet("sample"))
	assert.Error(t, repo.DeleteDescriptorSet("sample"))
	assert.Error(t, repo.SaveDescriptorSet("../x", set))
}
