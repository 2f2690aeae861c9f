package build

import (
	"context"
	"fmt"

	"github.com/kk-code-lab/lineidx/internal/filter"
	fsutil "github.com/kk-code-lab/lineidx/internal/fs"
	"github.com/kk-code-lab/lineidx/internal/index"
)

// outcome is what a worker hands back to the owning goroutine.
type outcome struct {
	req     request
	scan    index.ScanResult
	profile fsutil.Profile
	size    int64
	err     error
}

// scan runs one build on a private file handle, buffer and filter set.
func (c *Coordinator) scan(ctx context.Context, req request) outcome {
	res := outcome{req: req, profile: req.profile}

	f, err := c.opts.Files.OpenShared(c.opts.Path)
	if err != nil {
		res.err = fmt.Errorf("open %s: %w", c.opts.Path, err)
		return res
	}
	defer func() {
		_ = f.Close()
	}()

	size, err := f.Size()
	if err != nil {
		res.err = fmt.Errorf("stat %s: %w", c.opts.Path, err)
		return res
	}
	res.size = size

	s := req.settings
	if req.reload {
		res.profile, err = fsutil.Resolve(f, size, fsutil.Overrides{
			Encoding:  s.Encoding,
			Delimiter: s.RowDelimiter,
		})
		if err != nil {
			res.err = fmt.Errorf("resolve encoding: %w", err)
			return res
		}
	}

	opts := index.ScanOptions{
		Profile:       res.profile,
		IgnoreBlanks:  s.IgnoreBlankLines,
		MaxLineLength: s.MaxLineLength,
		ChunkSize:     s.ChunkSize,
		Cancel:        c.gen.Ticket(req.issue),
	}
	if set := filter.Compile(req.filters, s.FilterTimeout); set.Active() {
		opts.Filter = set
	}
	scanner := index.NewScanner(opts)
	floor := res.profile.Floor()

	switch {
	case req.reload:
		res.scan, err = scanner.Window(ctx, f, req.anchor, floor, size, req.budget)
	case req.dir == index.Backward:
		res.scan, err = scanner.Backward(ctx, f, req.from, floor, req.budget)
	default:
		res.scan, err = scanner.Forward(ctx, f, req.from, size, req.budget)
	}
	if err != nil {
		if req.reload {
			res.err = fmt.Errorf("reload around %d: %w", req.anchor, err)
		} else {
			res.err = fmt.Errorf("%s scan from %d: %w", req.dir, req.from, err)
		}
	}
	return res
}
