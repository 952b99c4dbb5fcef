package descriptor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/protoprint"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/shhac/burrow/internal/errors"
)

// Describe renders a file, service, method, message or enum from the set as
// proto source. Methods may be named "pkg.Svc/Method" or "pkg.Svc.Method".
func Describe(set *descriptorpb.FileDescriptorSet, symbol string) (string, error) {
	files, err := desc.CreateFileDescriptorsFromSet(set)
	if err != nil {
		return "", &errors.DescriptorLoadError{Reason: errors.LoadInvalidSet, Err: err}
	}

	printer := &protoprint.Printer{}

	if fd, ok := files[symbol]; ok {
		return printer.PrintProtoToString(fd)
	}

	name := strings.TrimPrefix(strings.TrimPrefix(symbol, "/"), ".")
	name = strings.Replace(name, "/", ".", 1)

	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if d := files[n].FindSymbol(name); d != nil {
			out, err := printer.PrintProtoToString(d)
			if err != nil {
				return "", fmt.Errorf("print %s: %w", name, err)
			}
			return out, nil
		}
	}
	return "", &errors.DescriptorLinkError{Reason: errors.LinkUnknownType, Name: symbol}
}
