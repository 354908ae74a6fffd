package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"platesolver/internal/config"
	"platesolver/internal/metrics"
	"platesolver/internal/server"
	"platesolver/internal/session"
	"platesolver/internal/solve"
	"platesolver/internal/wcs"
)

// NewRootCmd creates the root Cobra command. Without a subcommand it runs
// the interactive solve session.
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "platesolver",
		Short: "Plate solve astronomical images with nova.astrometry.net",
		Long: `platesolver uploads images to nova.astrometry.net, waits for the solution,
looks up targets in SIMBAD and converts sky coordinates to pixel coordinates.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runSolve(cmd)
		},
	}

	rootCmd.AddCommand(newSolveCmd(root))
	rootCmd.AddCommand(newResumeCmd(root))
	rootCmd.AddCommand(newLookupCmd(root))
	rootCmd.AddCommand(newPixelCmd(root))
	rootCmd.AddCommand(newHistoryCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newSolveCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "solve",
		Short: "Interactively solve one or more images",
		Long: `Ask for an image or a directory of images, upload it to nova.astrometry.net
and wait for the solution. Solved images can be followed up with result pages,
a catalog lookup and pixel coordinates for a target.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runSolve(cmd)
		},
	}
}

func (r *Root) runSolve(cmd *cobra.Command) error {
	p := r.prompter()
	if err := r.ensureAPIKey(p); err != nil {
		return err
	}
	solver := r.newSolver(r.cfg.Nova, r.log)
	defer solver.Close()
	cat := r.newCatalog(r.cfg.Catalog, r.log)
	defer cat.Close()
	return r.session(p, solver, cat).Run(cmd.Context())
}

func newResumeCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <submission>",
		Short: "Keep waiting on an earlier submission",
		Long: `Poll a submission that was handed back after a timeout and follow it up
like a fresh solve.

Example:
  platesolver resume 9876543`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := root.prompter()
			if err := root.ensureAPIKey(p); err != nil {
				return err
			}
			solver := root.newSolver(root.cfg.Nova, root.log)
			defer solver.Close()
			cat := root.newCatalog(root.cfg.Catalog, root.log)
			defer cat.Close()
			return root.session(p, solver, cat).Resume(cmd.Context(), solve.Handle(args[0]))
		},
	}
}

func newLookupCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup [name]",
		Short: "Look up a target in the SIMBAD catalog",
		Long: `Print what SIMBAD knows about a target. Targets that cannot be found open
the catalog website instead. Without a name you are asked for one.

Example:
  platesolver lookup M 31`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat := root.newCatalog(root.cfg.Catalog, root.log)
			defer cat.Close()
			_, _, err := session.LookupTarget(cmd.Context(), root.prompter(), cat, root.open, strings.Join(args, " "))
			return err
		},
	}
}

func newPixelCmd(root *Root) *cobra.Command {
	var submission string

	cmd := &cobra.Command{
		Use:   "pixel [solved.fits]",
		Short: "Convert RA/Dec to pixel coordinates",
		Long: `Convert a sky position to pixel coordinates using a solved header. The header
comes from a recorded submission (--submission), a solved FITS file, or is
asked for.

Examples:
  platesolver pixel ~/Downloads/wcs.fits
  platesolver pixel --submission solve-4f1c...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := root.prompter()
			src := session.FileHeaderSource(p)
			switch {
			case submission != "":
				hdr, err := root.store.Header(submission)
				if err != nil {
					return fmt.Errorf("submission %s: %w", submission, err)
				}
				src = session.FirstThen(hdr, src)
			case len(args) == 1:
				path, err := config.ExpandUser(args[0])
				if err != nil {
					return err
				}
				hdr, err := wcs.ReadHeaderFile(path)
				if err != nil {
					return err
				}
				src = session.FirstThen(hdr, src)
			}
			_, _, err := session.ConvertCoordinates(cmd.Context(), p, src)
			return err
		},
	}

	cmd.Flags().StringVar(&submission, "submission", "", "use the solved header recorded for this history id")
	return cmd
}

// maxHistoryLimit matches the cap of the server's /submissions route.
const maxHistoryLimit = 1000

func newHistoryCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded submissions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 || limit > maxHistoryLimit {
				return fmt.Errorf("--limit must be between 1 and %d", maxHistoryLimit)
			}
			if root.store == nil {
				return errors.New("history is unavailable without a database")
			}
			recs, err := root.store.RecentSubmissions(limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Fprintln(root.out, "No submissions recorded yet.")
				return nil
			}
			tw := tabwriter.NewWriter(root.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tSUBMISSION\tIMAGE\tCREATED")
			for _, rec := range recs {
				handle := rec.Handle
				if handle == "" {
					handle = "-"
				}
				image := "-"
				if rec.ImagePath != "" {
					image = filepath.Base(rec.ImagePath)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.Status, handle, image, rec.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of submissions to show")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <directory>...",
		Short: "Solve new images as they appear",
		Long: `Watch directories and submit every new image once it has stopped changing.
Results are printed as they arrive and recorded in the history.

Example:
  platesolver watch ~/astro/incoming`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if root.cfg.Nova.APIKey == "" {
				return errors.New("watch needs nova.api_key (or PLATESOLVER_NOVA__API_KEY) to be set")
			}
			pipe, stop, err := root.startWatch(ctx, args, nil)
			if err != nil {
				return err
			}
			defer stop()

			results, unsubscribe := pipe.Subscribe()
			defer unsubscribe()

			fmt.Fprintf(root.out, "Watching %s for new images. Press Ctrl+C to stop.\n", strings.Join(args, ", "))
			for {
				select {
				case <-ctx.Done():
					return nil
				case res, ok := <-results:
					if !ok {
						return nil
					}
					root.printResult(res)
				}
			}
		},
	}
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr       string
		watchPaths []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the status server",
		Long: `Start an HTTP server that lists recorded submissions, streams solve results
and exposes Prometheus metrics on /metrics. It can also watch directories and solve new images in the background.

Examples:
  # History only
  platesolver serve --addr 127.0.0.1:8080

  # History plus background solving
  platesolver serve --watch ~/astro/incoming`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			root.log.Info("starting server", "addr", addr, "watch_paths", watchPaths)

			m := metrics.NewManager()
			var results server.Subscriber
			if len(watchPaths) > 0 {
				if root.cfg.Nova.APIKey == "" {
					return errors.New("--watch needs nova.api_key (or PLATESOLVER_NOVA__API_KEY) to be set")
				}
				pipe, stop, err := root.startWatch(ctx, watchPaths, m)
				if err != nil {
					return err
				}
				defer stop()
				results = pipe
			}
			return root.serveFn(ctx, addr, root.store, results, root.log, server.WithMetrics(m.Handler()))
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "server address (host:port)")
	cmd.Flags().StringSliceVar(&watchPaths, "watch", nil, "directories to solve new images from")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			root.version()
		},
	}
}

