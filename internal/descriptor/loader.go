package descriptor

import (
	"context"
	stderrors "errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/bufbuild/protocompile"
	"github.com/bufbuild/protocompile/reporter"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/shhac/burrow/internal/errors"
)

// Source describes where descriptors come from. Proto files are resolved
// against ImportPaths; protosets and Blob hold serialized
// FileDescriptorSet messages.
type Source struct {
	ImportPaths []string
	Files       []string
	Protosets   []string
	Blob        []byte
}

// Empty reports whether the source names nothing to load.
func (s Source) Empty() bool {
	return len(s.Files) == 0 && len(s.Protosets) == 0 && len(s.Blob) == 0
}

// Load produces a single descriptor set from every configured input. The
// result contains all transitive dependencies, each file after the files
// it imports.
func Load(ctx context.Context, src Source, logger *slog.Logger) (*descriptorpb.FileDescriptorSet, error) {
	if src.Empty() {
		return nil, &errors.DescriptorLoadError{
			Reason: errors.LoadInvalidSet,
			Err:    stderrors.New("no proto files or descriptor sets configured"),
		}
	}

	var files []*descriptorpb.FileDescriptorProto

	if len(src.Files) > 0 {
		compiled, err := compile(ctx, src.ImportPaths, src.Files)
		if err != nil {
			return nil, err
		}
		logger.Debug("compiled proto sources",
			slog.Int("requested", len(src.Files)),
			slog.Int("files", len(compiled)),
		)
		files = append(files, compiled...)
	}

	for _, path := range src.Protosets {
		data, err := os.ReadFile(path)
		if err != nil {
			reason := errors.LoadInvalidSet
			if stderrors.Is(err, fs.ErrNotExist) {
				reason = errors.LoadMissingFile
			}
			return nil, &errors.DescriptorLoadError{Reason: reason, Path: path, Err: err}
		}
		set, err := unmarshalSet(data, path)
		if err != nil {
			return nil, err
		}
		logger.Debug("read protoset", slog.String("path", path), slog.Int("files", len(set.GetFile())))
		files = append(files, set.GetFile()...)
	}

	if len(src.Blob) > 0 {
		set, err := unmarshalSet(src.Blob, "")
		if err != nil {
			return nil, err
		}
		files = append(files, set.GetFile()...)
	}

	set, missing := Normalize(files, logger)
	if len(missing) > 0 {
		return nil, &errors.DescriptorLoadError{
			Reason: errors.LoadImportUnresolved,
			Path:   missing[0],
			Err:    stderrors.New("imported file is not part of the descriptor set"),
		}
	}
	return set, nil
}

// Parse decodes a serialized FileDescriptorSet and normalizes it.
func Parse(data []byte, logger *slog.Logger) (*descriptorpb.FileDescriptorSet, error) {
	return Load(context.Background(), Source{Blob: data}, logger)
}

func unmarshalSet(data []byte, path string) (*descriptorpb.FileDescriptorSet, error) {
	set := &descriptorpb.FileDescriptorSet{}
	if err := proto.Unmarshal(data, set); err != nil {
		return nil, &errors.DescriptorLoadError{Reason: errors.LoadInvalidSet, Path: path, Err: err}
	}
	for _, fd := range set.GetFile() {
		if fd.GetName() == "" {
			return nil, &errors.DescriptorLoadError{
				Reason: errors.LoadInvalidSet,
				Path:   path,
				Err:    stderrors.New("file descriptor without a name"),
			}
		}
	}
	return set, nil
}

func compile(ctx context.Context, importPaths, names []string) ([]*descriptorpb.FileDescriptorProto, error) {
	compiler := protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(&protocompile.SourceResolver{
			ImportPaths: importPaths,
		}),
		SourceInfoMode: protocompile.SourceInfoStandard,
	}
	compiled, err := compiler.Compile(ctx, names...)
	if err != nil {
		return nil, compileError(err)
	}

	var out []*descriptorpb.FileDescriptorProto
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
		out = append(out, protodesc.ToFileDescriptorProto(fd))
	}
	for _, f := range compiled {
		add(f)
	}
	return out, nil
}

func compileError(err error) error {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pos reporter.ErrorWithPos
	hasPos := stderrors.As(err, &pos)
	switch {
	case stderrors.Is(err, fs.ErrNotExist) && hasPos:
		return &errors.DescriptorLoadError{Reason: errors.LoadImportUnresolved, Path: pos.GetPosition().Filename, Err: err}
	case stderrors.Is(err, fs.ErrNotExist):
		return &errors.DescriptorLoadError{Reason: errors.LoadMissingFile, Err: err}
	case hasPos:
		return &errors.DescriptorLoadError{Reason: errors.LoadParseFailed, Path: pos.GetPosition().Filename, Err: err}
	}
	return &errors.DescriptorLoadError{Reason: errors.LoadParseFailed, Err: err}
}
