package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"can-telemetry-core/signal"
	"can-telemetry-core/utils"
)

var listCategory string

var signalsCmd = &cobra.Command{
	Use:   "signals",
	Short: "Inspect and validate signal definitions",
}

var signalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the active signals by category",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		reg, err := loadRegistry(cfg, utils.Discard())
		if err != nil {
			return err
		}

		cats := signal.Categories()
		if listCategory != "" {
			c := signal.Category(strings.ToLower(listCategory))
			if !c.Valid() {
				return fmt.Errorf("unknown category %q (available: %v)", listCategory, cats)
			}
			cats = []signal.Category{c}
		}
		writeSignalTable(cmd.OutOrStdout(), reg, cats)
		return nil
	},
}

var signalsValidateCmd = &cobra.Command{
	Use:   "validate FILE.csv",
	Short: "Validate a CSV signal map",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		defs, err := signal.LoadCSVFile(args[0])
		if err != nil {
			return err
		}
		reg := signal.NewRegistry()
		if err := reg.Load(defs); err != nil {
			out := cmd.ErrOrStderr()
			for _, e := range unjoin(err) {
				fmt.Fprintf(out, "  %v\n", e)
			}
			return fmt.Errorf("%s: invalid signal map", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d signals OK (%d active)\n", args[0], reg.Len(), len(reg.Active()))
		return nil
	},
}

var signalsFamiliesCmd = &cobra.Command{
	Use:   "families",
	Short: "List the built-in ECU families",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, f := range signal.Families() {
			defs, err := signal.DefaultSignals(f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-10s %d signals\n", f, len(defs))
		}
		return nil
	},
}

func init() {
	signalsListCmd.Flags().StringVar(&listCategory, "category", "", "Only this category")
	signalsCmd.AddCommand(signalsListCmd, signalsValidateCmd, signalsFamiliesCmd)
	rootCmd.AddCommand(signalsCmd)
}

func writeSignalTable(out io.Writer, reg *signal.Registry, cats []signal.Category) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "CATEGORY\tSIGNAL\tMODEL\tCAN ID\tBITS\tORDER\tTYPE\tSCALE\tOFFSET\tRANGE\tUNIT")
	for _, c := range cats {
		for _, d := range reg.ListByCategory(c) {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d:%d\t%s\t%s\t%g\t%g\t%g..%g\t%s\n",
				c, d.Name, d.Model, signal.FormatCANID(d.CANID), d.StartBit, d.LengthBits,
				d.ByteOrder, d.DataType, d.ScaleFactor, d.Offset, d.Min, d.Max, d.Unit)
		}
	}
}

// unjoin flattens an errors.Join tree for one-per-line output.
func unjoin(err error) []error {
	var j interface{ Unwrap() []error }
	if errors.As(err, &j) {
		var out []error
		for _, e := range j.Unwrap() {
			out = append(out, unjoin(e)...)
		}
		return out
	}
	return []error{err}
}
