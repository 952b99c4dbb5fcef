package descriptor

import (
	"log/slog"
	"sort"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// Normalize applies fixes for common server quirks and malformed
// descriptors, then returns the files ordered dependencies first. The second
// result lists imports that are neither in the input nor available locally.
// The input files are not modified.
//
// Fixes applied:
//   - duplicate file names: the first occurrence wins
//   - google/protobuf files: replaced by the locally registered copy
//   - empty or reversed reserved ranges
//   - map entry messages not named <Field>Entry
//   - relative type references: qualified against the set
//   - well-known types referenced without an import
//   - missing well-known imports: filled from protoregistry.GlobalFiles
func Normalize(files []*descriptorpb.FileDescriptorProto, logger *slog.Logger) (*descriptorpb.FileDescriptorSet, []string) {
	files = dedupeFiles(files, logger)
	for i, fd := range files {
		if local := localWellKnown(fd.GetName()); local != nil {
			if !proto.Equal(local, fd) {
				logger.Debug("using local copy of well-known file", slog.String("file", fd.GetName()))
			}
			files[i] = local
			continue
		}
		if fixReservedRanges(fd) {
			logger.Debug("fixed reserved ranges", slog.String("file", fd.GetName()))
		}
		if fixMapEntryNames(fd) {
			logger.Debug("fixed map entry names", slog.String("file", fd.GetName()))
		}
	}

	names := declaredNames(files)
	for _, fd := range files {
		qualifyTypeNames(fd, names)
		if fixMissingImports(fd, protoregistry.GlobalFiles) {
			logger.Debug("added missing well-known imports", slog.String("file", fd.GetName()))
		}
	}

	files, missing := fillMissingImports(files, logger)
	return &descriptorpb.FileDescriptorSet{File: sortByDependency(files)}, missing
}

func dedupeFiles(files []*descriptorpb.FileDescriptorProto, logger *slog.Logger) []*descriptorpb.FileDescriptorProto {
	seen := make(map[string]*descriptorpb.FileDescriptorProto, len(files))
	out := make([]*descriptorpb.FileDescriptorProto, 0, len(files))
	for _, fd := range files {
		if prev, ok := seen[fd.GetName()]; ok {
			if !proto.Equal(prev, fd) {
				logger.Warn("conflicting definitions for file, keeping the first",
					slog.String("file", fd.GetName()),
				)
			}
			continue
		}
		seen[fd.GetName()] = fd
		out = append(out, proto.Clone(fd).(*descriptorpb.FileDescriptorProto))
	}
	return out
}

func localWellKnown(name string) *descriptorpb.FileDescriptorProto {
	if !strings.HasPrefix(name, wellKnownPrefix) {
		return nil
	}
	fd, err := protoregistry.GlobalFiles.FindFileByPath(name)
	if err != nil {
		return nil
	}
	return protodesc.ToFileDescriptorProto(fd)
}

// fixReservedRanges repairs message reserved ranges (end exclusive) that are
// empty or reversed, and enum reserved ranges (end inclusive) that are
// reversed.
func fixReservedRanges(fd *descriptorpb.FileDescriptorProto) bool {
	fixed := false
	var fixMessage func(msg *descriptorpb.DescriptorProto)
	fixEnum := func(enum *descriptorpb.EnumDescriptorProto) {
		for _, r := range enum.GetReservedRange() {
			if r.GetStart() > r.GetEnd() {
				r.Start, r.End = r.End, r.Start
				fixed = true
			}
		}
	}
	fixMessage = func(msg *descriptorpb.DescriptorProto) {
		for _, r := range msg.GetReservedRange() {
			if r.GetStart() > r.GetEnd() {
				r.Start, r.End = r.End, r.Start
				fixed = true
			}
			if r.GetStart() == r.GetEnd() {
				r.End = proto.Int32(r.GetEnd() + 1)
				fixed = true
			}
		}
		for _, nested := range msg.GetNestedType() {
			fixMessage(nested)
		}
		for _, enum := range msg.GetEnumType() {
			fixEnum(enum)
		}
	}
	for _, msg := range fd.GetMessageType() {
		fixMessage(msg)
	}
	for _, enum := range fd.GetEnumType() {
		fixEnum(enum)
	}
	return fixed
}

// mapEntryName returns the entry message name protoc generates for a map
// field: the camel-cased field name followed by "Entry".
func mapEntryName(field string) string {
	var b strings.Builder
	upper := true
	for _, r := range field {
		if r == '_' {
			upper = true
			continue
		}
		if upper && r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}
		upper = false
		b.WriteRune(r)
	}
	return b.String() + "Entry"
}

// fixMapEntryNames renames map entry messages that do not follow the
// <Field>Entry convention and rewrites the referencing field's type name in
// whichever form it was written.
func fixMapEntryNames(fd *descriptorpb.FileDescriptorProto) bool {
	fixed := false
	var walk func(scope string, msg *descriptorpb.DescriptorProto)
	walk = func(scope string, msg *descriptorpb.DescriptorProto) {
		full := joinName(scope, msg.GetName())
		entries := make(map[string]*descriptorpb.DescriptorProto)
		for _, nested := range msg.GetNestedType() {
			if nested.GetOptions().GetMapEntry() {
				entries[nested.GetName()] = nested
			}
		}
		for _, f := range msg.GetField() {
			if f.GetLabel() != descriptorpb.FieldDescriptorProto_LABEL_REPEATED {
				continue
			}
			ref := f.GetTypeName()
			old := ref[strings.LastIndex(ref, ".")+1:]
			entry, ok := entries[old]
			if !ok {
				continue
			}
			want := mapEntryName(f.GetName())
			if old == want {
				continue
			}
			entry.Name = proto.String(want)
			delete(entries, old)
			f.TypeName = proto.String(strings.TrimSuffix(ref, old) + want)
			fixed = true
		}
		for _, nested := range msg.GetNestedType() {
			walk(full, nested)
		}
	}
	for _, msg := range fd.GetMessageType() {
		walk(fd.GetPackage(), msg)
	}
	return fixed
}

// declaredNames indexes every message and enum declared in files.
func declaredNames(files []*descriptorpb.FileDescriptorProto) map[string]bool {
	names := make(map[string]bool)
	var walk func(scope string, msg *descriptorpb.DescriptorProto)
	walk = func(scope string, msg *descriptorpb.DescriptorProto) {
		full := joinName(scope, msg.GetName())
		names[full] = true
		for _, e := range msg.GetEnumType() {
			names[joinName(full, e.GetName())] = true
		}
		for _, nested := range msg.GetNestedType() {
			walk(full, nested)
		}
	}
	for _, fd := range files {
		for _, msg := range fd.GetMessageType() {
			walk(fd.GetPackage(), msg)
		}
		for _, e := range fd.GetEnumType() {
			names[joinName(fd.GetPackage(), e.GetName())] = true
		}
	}
	return names
}

// qualifyTypeNames rewrites relative type references into fully-qualified
// ones, searching outward from the referencing scope. References that cannot
// be resolved are left as written.
func qualifyTypeNames(fd *descriptorpb.FileDescriptorProto, names map[string]bool) {
	var walk func(scope string, msg *descriptorpb.DescriptorProto)
	walk = func(scope string, msg *descriptorpb.DescriptorProto) {
		full := joinName(scope, msg.GetName())
		for _, f := range msg.GetField() {
			if ref := f.GetTypeName(); ref != "" && !strings.HasPrefix(ref, ".") {
				if resolved := resolveTypeRef(ref, full, names); resolved != "" {
					f.TypeName = proto.String("." + resolved)
				}
			}
		}
		for _, nested := range msg.GetNestedType() {
			walk(full, nested)
		}
	}
	for _, msg := range fd.GetMessageType() {
		walk(fd.GetPackage(), msg)
	}
	for _, svc := range fd.GetService() {
		for _, m := range svc.GetMethod() {
			if ref := m.GetInputType(); ref != "" && !strings.HasPrefix(ref, ".") {
				if resolved := resolveTypeRef(ref, fd.GetPackage(), names); resolved != "" {
					m.InputType = proto.String("." + resolved)
				}
			}
			if ref := m.GetOutputType(); ref != "" && !strings.HasPrefix(ref, ".") {
				if resolved := resolveTypeRef(ref, fd.GetPackage(), names); resolved != "" {
					m.OutputType = proto.String("." + resolved)
				}
			}
		}
	}
}

// resolveTypeRef looks ref up in scope, then in each enclosing scope, then
// at the root. Names not declared in the set are looked up in
// protoregistry.GlobalFiles.
func resolveTypeRef(ref, scope string, names map[string]bool) string {
	known := func(name string) bool {
		if names[name] {
			return true
		}
		_, err := protoregistry.GlobalFiles.FindDescriptorByName(protoreflect.FullName(name))
		return err == nil
	}
	for {
		candidate := joinName(scope, ref)
		if known(candidate) {
			return candidate
		}
		if scope == "" {
			return ""
		}
		if i := strings.LastIndex(scope, "."); i >= 0 {
			scope = scope[:i]
		} else {
			scope = ""
		}
	}
}

// fixMissingImports adds an import for every well-known type the file
// references without importing the file that declares it.
func fixMissingImports(fd *descriptorpb.FileDescriptorProto, local *protoregistry.Files) bool {
	deps := make(map[string]bool, len(fd.GetDependency()))
	for _, d := range fd.GetDependency() {
		deps[d] = true
	}
	added := false
	need := func(ref string) {
		if !strings.HasPrefix(ref, ".google.protobuf.") {
			return
		}
		d, err := local.FindDescriptorByName(protoreflect.FullName(ref[1:]))
		if err != nil {
			return
		}
		path := d.ParentFile().Path()
		if path == fd.GetName() || deps[path] {
			return
		}
		deps[path] = true
		fd.Dependency = append(fd.Dependency, path)
		added = true
	}
	var walk func(msg *descriptorpb.DescriptorProto)
	walk = func(msg *descriptorpb.DescriptorProto) {
		for _, f := range msg.GetField() {
			need(f.GetTypeName())
		}
		for _, nested := range msg.GetNestedType() {
			walk(nested)
		}
	}
	for _, msg := range fd.GetMessageType() {
		walk(msg)
	}
	for _, svc := range fd.GetService() {
		for _, m := range svc.GetMethod() {
			need(m.GetInputType())
			need(m.GetOutputType())
		}
	}
	return added
}

func fillMissingImports(files []*descriptorpb.FileDescriptorProto, logger *slog.Logger) ([]*descriptorpb.FileDescriptorProto, []string) {
	have := make(map[string]bool, len(files))
	for _, fd := range files {
		have[fd.GetName()] = true
	}
	missing := make(map[string]bool)
	for i := 0; i < len(files); i++ {
		for _, dep := range files[i].GetDependency() {
			if have[dep] || missing[dep] {
				continue
			}
			local, err := protoregistry.GlobalFiles.FindFileByPath(dep)
			if err != nil {
				missing[dep] = true
				continue
			}
			logger.Debug("filling missing import from local registry", slog.String("file", dep))
			have[dep] = true
			files = append(files, protodesc.ToFileDescriptorProto(local))
		}
	}
	names := make([]string, 0, len(missing))
	for name := range missing {
		names = append(names, name)
	}
	sort.Strings(names)
	return files, names
}

// sortByDependency orders files so that every file follows the files it
// imports, keeping the input order otherwise.
func sortByDependency(files []*descriptorpb.FileDescriptorProto) []*descriptorpb.FileDescriptorProto {
	byName := make(map[string]*descriptorpb.FileDescriptorProto, len(files))
	for _, fd := range files {
		byName[fd.GetName()] = fd
	}
	out := make([]*descriptorpb.FileDescriptorProto, 0, len(files))
	visited := make(map[string]bool, len(files))
	var visit func(fd *descriptorpb.FileDescriptorProto)
	visit = func(fd *descriptorpb.FileDescriptorProto) {
		if visited[fd.GetName()] {
			return
		}
		visited[fd.GetName()] = true
		for _, dep := range fd.GetDependency() {
			if d, ok := byName[dep]; ok {
				visit(d)
			}
		}
		out = append(out, fd)
	}
	for _, fd := range files {
		visit(fd)
	}
	return out
}

func joinName(scope, name string) string {
	if scope == "" {
		return name
	}
	return scope + "." + name
}
