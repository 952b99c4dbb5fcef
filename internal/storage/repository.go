package storage

import "google.golang.org/protobuf/types/descriptorpb"

// Repository persists named descriptor sets so that descriptors fetched via
// reflection or compiled from sources can be reused without the server or
// the proto tree.
type Repository interface {
	SaveDescriptorSet(name string, set *descriptorpb.FileDescriptorSet) error
	LoadDescriptorSet(name string) (*descriptorpb.FileDescriptorSet, error)
	ListDescriptorSets() ([]string, error)
	DeleteDescriptorSet(name string) error
}
