package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ErrUnknownBackend is returned when a DescriptorSource has no entry for an id.
var ErrUnknownBackend = errors.New("mcpmgr: unknown backend")

// DescriptorSource supplies backend descriptors. Implementations must be safe
// for concurrent use; the Registry calls Get outside its own lock.
type DescriptorSource interface {
	List(ctx context.Context) ([]Descriptor, error)
	Get(ctx context.Context, id string) (Descriptor, error)
}

// StaticSource serves a fixed, in-memory set of descriptors.
type StaticSource struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]Descriptor
}

// NewStaticSource validates descs and indexes them by id.
func NewStaticSource(descs ...Descriptor) (*StaticSource, error) {
	s := &StaticSource{byID: make(map[string]Descriptor, len(descs))}
	for _, d := range descs {
		if err := s.Put(d); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Put adds or replaces a descriptor.
func (s *StaticSource) Put(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[d.ID]; !ok {
		s.order = append(s.order, d.ID)
	}
	s.byID[d.ID] = d
	return nil
}

// Remove deletes a descriptor. Live sessions are unaffected.
func (s *StaticSource) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return
	}
	delete(s.byID, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
}

func (s *StaticSource) List(context.Context) ([]Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Descriptor, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out, nil
}

func (s *StaticSource) Get(_ context.Context, id string) (Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byID[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownBackend, id)
	}
	return d, nil
}

// FindByName returns the descriptor whose Name matches name, comparing
// case-insensitively when no exact match exists.
func FindByName(ctx context.Context, src DescriptorSource, name string) (Descriptor, error) {
	descs, err := src.List(ctx)
	if err != nil {
		return Descriptor{}, err
	}
	var fallback *Descriptor
	for i := range descs {
		if descs[i].Name == name || descs[i].ID == name {
			return descs[i], nil
		}
		if fallback == nil && strings.EqualFold(descs[i].Name, name) {
			fallback = &descs[i]
		}
	}
	if fallback != nil {
		return *fallback, nil
	}
	return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
}
