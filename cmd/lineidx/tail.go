package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kk-code-lab/lineidx/internal/build"
	"github.com/kk-code-lab/lineidx/internal/config"
	"github.com/kk-code-lab/lineidx/internal/watch"
)

func tailCmd(flags *globalFlags) *cobra.Command {
	var (
		lines  int
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "tail PATH",
		Short: "Print the last lines of a file and follow its growth",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, logger, err := loadSettings(flags)
			if err != nil {
				return err
			}
			color, err := useColor(flags.color, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return runTail(cmd.Context(), printer{out: cmd.OutOrStdout(), color: color}, args[0], s, logger, lines, follow)
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 10, "Number of trailing lines to print")
	cmd.Flags().BoolVarP(&follow, "follow", "f", true, "Keep printing lines appended to the file")
	return cmd
}

// tailState remembers what has been printed so far.
type tailState struct {
	lines  int
	follow bool
	// last is the start offset of the last printed line.
	last    int64
	started bool
}

// print writes the lines not yet shown. While following, a trailing line
// without delimiter is held back until it is complete.
func (t *tailState) print(p printer, v build.View, reloaded bool) error {
	ix := v.Index()
	end := ix.Len()
	if t.follow {
		for end > 0 && ix.At(end-1).Begin >= ix.End() {
			end--
		}
	}

	from := 0
	if !t.started || reloaded {
		from = max(0, end-t.lines)
		t.started = true
	} else {
		for from < end && ix.At(from).Begin <= t.last {
			from++
		}
	}
	if from >= end {
		return nil
	}
	if err := p.printRange(v, from, end); err != nil {
		return err
	}
	t.last = ix.At(end - 1).Begin
	return nil
}

func runTail(ctx context.Context, p printer, path string, s config.Settings, logger *slog.Logger, lines int, follow bool) error {
	if err := refuseBinary(path, s.Encoding); err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	n := newNotifier()
	c := build.New(build.Options{
		Path:     path,
		Settings: func() config.Settings { return s },
		Listener: n,
		Logger:   logger,
	})

	var w *watch.Watcher
	if follow {
		w, err = watch.New(path, c.NotifyFileLength, logger)
		if err != nil {
			return err
		}
		defer func() {
			_ = w.Close()
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Run(gctx)
	})
	if w != nil {
		g.Go(func() error {
			if err := w.Run(gctx); err != nil && gctx.Err() == nil {
				return err
			}
			return nil
		})
	}

	state := &tailState{lines: lines, follow: follow}
	g.Go(func() error {
		if !follow {
			defer cancel()
		}
		if err := c.RequestReload(info.Size()); err != nil {
			return err
		}
		for {
			reloaded, err := n.wait(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
			var printErr error
			if err := c.Inspect(gctx, func(v build.View) {
				printErr = state.print(p, v, reloaded)
			}); err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
			if printErr != nil {
				return printErr
			}
			if !follow {
				return nil
			}
		}
	})
	return g.Wait()
}
