package cli

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"spare/internal/fit"
	"spare/internal/pipeline"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "spare",
		Short: "Pixel-level photometric redshift bookkeeping",
		Long: `spare cuts survey objects into pixel catalogs for a per-pixel redshift
fitting engine and folds the engine's output back into per-object redshifts.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newPrepareCmd(root))
	rootCmd.AddCommand(newExtractCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newRunsCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List, describe and delete runs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, _, err := root.deps(cmd.Context())
			if err != nil {
				return err
			}
			runs, err := reg.Runs(cmd.Context())
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				root.printf("No runs registered.\n")
				return nil
			}
			tw := tabwriter.NewWriter(root.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tOBJECTS\tCREATED\tFOLDER")
			for _, run := range runs {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", run.ID, run.Name, run.ObjectCount,
					run.CreatedAt.Local().Format("2006-01-02 15:04"), run.Folder)
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <run_id>",
		Short: "Delete a run and its folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			_, pipe, err := root.deps(cmd.Context())
			if err != nil {
				return err
			}
			run, err := pipe.DeleteRun(cmd.Context(), id)
			if err != nil {
				return err
			}
			root.printf("Deleted run %d (%s)\n", run.ID, run.Name)
			return nil
		},
	})

	var yes bool
	deleteAll := &cobra.Command{
		Use:   "delete-all",
		Short: "Delete every run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, pipe, err := root.deps(cmd.Context())
			if err != nil {
				return err
			}
			deleted, err := pipe.DeleteAllRuns(cmd.Context(), func() bool {
				return yes || root.confirm("Delete ALL runs and their folders?")
			})
			for _, run := range deleted {
				root.printf("Deleted run %d (%s)\n", run.ID, run.Name)
			}
			if err != nil {
				return err
			}
			if len(deleted) == 0 {
				root.printf("Nothing deleted.\n")
			}
			return nil
		},
	}
	deleteAll.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	cmd.AddCommand(deleteAll)

	cmd.AddCommand(&cobra.Command{
		Use:   "describe <run_id> <text>...",
		Short: "Attach a free-text description to a run",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			reg, _, err := root.deps(cmd.Context())
			if err != nil {
				return err
			}
			return reg.AddRunDescription(cmd.Context(), id, strings.Join(args[1:], " "))
		},
	})

	return cmd
}

func newPrepareCmd(root *Root) *cobra.Command {
	var (
		border      int
		random      int
		replace     bool
		unused      float64
		replacement float64
		using       string
		description string
	)

	cmd := &cobra.Command{
		Use:   "prepare <name> [object_id...]",
		Short: "Cut objects out of the survey and write the pixel catalog of a new run",
		Long: `Extract the given catalog objects (plus --random randomly drawn ones),
register a run for them, save every object bundle and write EAZY_input.csv
into the run folder.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args)-1)
			for _, a := range args[1:] {
				id, err := strconv.ParseInt(a, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid object id %q", a)
				}
				ids = append(ids, id)
			}
			if len(ids) == 0 && random == 0 {
				return fmt.Errorf("no objects given: pass object ids or --random")
			}

			rep := root.cfg.Replace
			if cmd.Flags().Changed("replace") {
				rep.Enabled = replace
			}
			if cmd.Flags().Changed("unused") {
				rep.Unused = unused
			}
			if cmd.Flags().Changed("replacement") {
				rep.Replacement = replacement
			}
			if cmd.Flags().Changed("using") {
				rep.Using = using
			}

			root.log.Info("prepare command parsed",
				"name", args[0],
				"ids", ids,
				"random", random,
				"border", border,
				"replace", rep.Enabled,
			)

			_, pipe, err := root.deps(cmd.Context())
			if err != nil {
				return err
			}
			res, err := pipe.Prepare(cmd.Context(), pipeline.PrepareRequest{
				Name:        args[0],
				IDs:         ids,
				Random:      random,
				Border:      border,
				Replace:     rep,
				Description: description,
			})
			if res.Run.Folder != "" {
				root.printf("Run %d (%s): %d objects, %d pixel rows\n", res.Run.ID, res.Run.Name, len(res.ObjectIDs), res.Rows)
				root.printf("Pixel catalog: %s\n", res.Catalog)
			}
			return err
		},
	}

	cmd.Flags().IntVar(&border, "border", 0, "pixels added around each catalog bounding box")
	cmd.Flags().IntVar(&random, "random", 0, "number of additional randomly drawn objects")
	cmd.Flags().BoolVar(&replace, "replace", false, "replace unused pixels before saving (default from config)")
	cmd.Flags().Float64Var(&unused, "unused", 0, "pixel value marking unused pixels")
	cmd.Flags().Float64Var(&replacement, "replacement", -9999, "value written over unused pixels")
	cmd.Flags().StringVar(&using, "using", "errors", "raster scanned for unused pixels (values|errors)")
	cmd.Flags().StringVar(&description, "description", "", "free-text description stored with the run")

	return cmd
}

func newExtractCmd(root *Root) *cobra.Command {
	var (
		confidence  bool
		noFitValue  float64
		percentiles []float64
		interval    float64
		wait        bool
		outputFile  string
	)

	cmd := &cobra.Command{
		Use:   "extract <run_id>",
		Short: "Fold the fit output of a run back into per-object redshifts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			if len(percentiles) != 2 {
				return fmt.Errorf("--percentiles takes exactly two values, got %d", len(percentiles))
			}
			req := pipeline.NewExtractRequest(root.cfg, id)
			req.Confidence = confidence
			req.NoFitValue = noFitValue
			req.Percentiles = [2]float64{percentiles[0], percentiles[1]}
			req.Interval = interval
			req.Wait = wait
			req.OutputFile = outputFile

			_, pipe, err := root.deps(cmd.Context())
			if err != nil {
				return err
			}
			results, err := pipe.Extract(cmd.Context(), req)
			if err != nil {
				return err
			}
			return root.printResults(results)
		},
	}

	fitCfg := root.cfg.Fit
	cmd.Flags().BoolVar(&confidence, "confidence", false, "classify pixels against posterior percentile bounds")
	cmd.Flags().Float64Var(&noFitValue, "no-fit-value", fitCfg.NoFitValue, "zbest value marking unfitted pixels")
	cmd.Flags().Float64SliceVar(&percentiles, "percentiles", fitCfg.Percentiles[:], "lower and upper posterior percentiles")
	cmd.Flags().Float64Var(&interval, "interval", fitCfg.ConfidenceInterval, "widest upper-lower redshift range counted as confident")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the fit output to appear and stop changing")
	cmd.Flags().StringVar(&outputFile, "output-file", fitCfg.OutputFile, "fit output bundle inside the run's eazy folder")

	return cmd
}

func (r *Root) printResults(results []fit.ObjectResult) error {
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tOBJECT\tPIXELS\tFITTED\tZ_CHI2\tZ_SEGMAP\tCONFIDENT")
	for _, res := range results {
		conf := "-"
		if res.HasConfidence {
			conf = strconv.Itoa(res.Confident)
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%s\t%s\t%s\n", res.ObjectIndex, res.ObjectID, res.Pixels,
			res.FittedPixels, formatRedshift(res.ZChi2), formatRedshift(res.ZChi2Segmap), conf)
	}
	return tw.Flush()
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run registry as a JSON API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, _, err := root.deps(cmd.Context())
			if err != nil {
				return err
			}
			return root.serveFn(cmd.Context(), addr, reg, root.log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or validate the configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.printf("Config file: %s\n", root.cfgPath)
			b, err := json.MarshalIndent(root.cfg, "", "  ")
			if err != nil {
				return err
			}
			root.printf("%s\n", b)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			root.printf("Configuration OK\n")
			return nil
		},
	})
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.printf("spare %s\n", Version)
			root.printf("Built with Go %s\n", runtime.Version())
			return nil
		},
	}
}

func parseRunID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid run id %q", s)
	}
	return id, nil
}

func formatRedshift(z *float64) string {
	if z == nil {
		return "-"
	}
	return strconv.FormatFloat(*z, 'f', 3, 64)
}
