package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kk-code-lab/lineidx/internal/build"
	"github.com/kk-code-lab/lineidx/internal/config"
)

func viewCmd(flags *globalFlags) *cobra.Command {
	var (
		anchor int64
		count  int
	)
	cmd := &cobra.Command{
		Use:   "view PATH",
		Short: "Print lines starting at a byte offset",
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
			return runView(cmd.Context(), printer{out: cmd.OutOrStdout(), color: color}, args[0], s, logger, anchor, count)
		},
	}
	cmd.Flags().Int64Var(&anchor, "anchor", 0, "Byte offset of the first line to print")
	cmd.Flags().IntVarP(&count, "count", "c", 20, "Number of lines to print")
	return cmd
}

func runView(ctx context.Context, p printer, path string, s config.Settings, logger *slog.Logger, anchor int64, count int) error {
	if err := refuseBinary(path, s.Encoding); err != nil {
		return err
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

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		if err := c.RequestReload(anchor); err != nil {
			return err
		}
		if _, err := n.wait(gctx); err != nil {
			return err
		}
		var printErr error
		if err := c.Inspect(gctx, func(v build.View) {
			ix := v.Index()
			from := ix.Ordinal(anchor)
			printErr = p.printRange(v, from, min(ix.Len(), from+count))
		}); err != nil {
			return err
		}
		return printErr
	})
	return g.Wait()
}
