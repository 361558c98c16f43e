package descriptors

import (
	"context"
	"errors"
	"fmt"

	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcpmgr"
)

// Chain consults several sources in order. For List, the first source that
// reports an id or name wins; later duplicates are dropped. For Get, sources
// that report mcpmgr.ErrUnknownBackend are skipped.
type Chain []mcpmgr.DescriptorSource

func (c Chain) List(ctx context.Context) ([]mcpmgr.Descriptor, error) {
	var (
		out   []mcpmgr.Descriptor
		ids   = make(map[string]bool)
		names = make(map[string]bool)
	)
	for i, src := range c {
		descs, err := src.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("descriptors: source %d: %w", i, err)
		}
		for _, d := range descs {
			if ids[d.ID] || names[d.Name] {
				continue
			}
			ids[d.ID] = true
			names[d.Name] = true
			out = append(out, d)
		}
	}
	return out, nil
}

func (c Chain) Get(ctx context.Context, id string) (mcpmgr.Descriptor, error) {
	for _, src := range c {
		d, err := src.Get(ctx, id)
		if errors.Is(err, mcpmgr.ErrUnknownBackend) {
			continue
		}
		return d, err
	}
	return mcpmgr.Descriptor{}, fmt.Errorf("%w: %q", mcpmgr.ErrUnknownBackend, id)
}
