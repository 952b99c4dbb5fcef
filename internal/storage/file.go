package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"
)

const (
	descriptorsDir = "descriptors"
	protosetExt    = ".protoset"
	filePermission = 0644
	dirPermission  = 0755
)

// FileStore implements Repository with one binary FileDescriptorSet file
// per name under <base>/descriptors.
type FileStore struct {
	basePath string
	logger   *slog.Logger
}

// NewFileStore creates a store rooted at basePath.
func NewFileStore(basePath string, logger *slog.Logger) *FileStore {
	return &FileStore{
		basePath: basePath,
		logger:   logger,
	}
}

// Path returns the file a named set is stored in. The file need not exist.
func (s *FileStore) Path(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", fmt.Errorf("invalid descriptor set name: %w", err)
	}
	path := filepath.Join(s.basePath, descriptorsDir, name+protosetExt)
	if err := s.verifyPathInDescriptorsDir(path); err != nil {
		return "", err
	}
	return path, nil
}

// SaveDescriptorSet writes set under name, replacing any previous version.
func (s *FileStore) SaveDescriptorSet(name string, set *descriptorpb.FileDescriptorSet) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPermission); err != nil {
		return fmt.Errorf("create descriptors directory: %w", err)
	}
	if err := ExportFile(path, set); err != nil {
		return err
	}
	s.logger.Debug("saved descriptor set",
		slog.String("name", name),
		slog.String("path", path),
		slog.Int("files", len(set.GetFile())))
	return nil
}

// LoadDescriptorSet reads the set stored under name.
func (s *FileStore) LoadDescriptorSet(name string) (*descriptorpb.FileDescriptorSet, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("descriptor set %q not found", name)
		}
		return nil, fmt.Errorf("read descriptor set: %w", err)
	}
	set := &descriptorpb.FileDescriptorSet{}
	if err := proto.Unmarshal(data, set); err != nil {
		return nil, fmt.Errorf("unmarshal descriptor set %q: %w", name, err)
	}
	s.logger.Debug("loaded descriptor set",
		slog.String("name", name),
		slog.String("path", path))
	return set, nil
}

// ListDescriptorSets returns the stored names in lexical order.
func (s *FileStore) ListDescriptorSets() ([]string, error) {
	dir := filepath.Join(s.basePath, descriptorsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read descriptors directory: %w", err)
	}

	names := []string{}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != protosetExt {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), protosetExt))
	}
	sort.Strings(names)
	return names, nil
}

// DeleteDescriptorSet removes the set stored under name.
func (s *FileStore) DeleteDescriptorSet(name string) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("descriptor set %q not found", name)
		}
		return fmt.Errorf("delete descriptor set: %w", err)
	}
	s.logger.Debug("deleted descriptor set", slog.String("name", name))
	return nil
}

// ExportFile writes set to path in the binary FileDescriptorSet format
// understood by protoc --descriptor_set_in and grpcurl -protoset.
func ExportFile(path string, set *descriptorpb.FileDescriptorSet) error {
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(set)
	if err != nil {
		return fmt.Errorf("marshal descriptor set: %w", err)
	}
	if err := atomicWriteFile(path, data, filePermission); err != nil {
		return fmt.Errorf("write descriptor set: %w", err)
	}
	return nil
}

// atomicWriteFile writes data to a temp file in the same directory, syncs
// it, then renames it over path.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := f.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	success = true
	return nil
}

// validateName checks that a set name is safe for use as a filename.
func validateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("name must not be empty")
	case strings.Contains(name, ".."):
		return fmt.Errorf("name must not contain %q", "..")
	case strings.ContainsAny(name, "/\\"):
		return fmt.Errorf("name must not contain path separators")
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("name must not contain null bytes")
	}
	return nil
}

func (s *FileStore) verifyPathInDescriptorsDir(path string) error {
	base := filepath.Join(s.basePath, descriptorsDir)
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return fmt.Errorf("path outside descriptors directory: %w", err)
	}
	if strings.HasPrefix(rel, "..") {
		return fmt.Errorf("path %q escapes descriptors directory", path)
	}
	return nil
}
