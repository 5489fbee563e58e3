package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/raykavin/hyperforge/pkg/combo"
	"github.com/raykavin/hyperforge/pkg/strategy"
	"github.com/spf13/cobra"
)

var maxCombo int

func buildSpacesCmd() *cobra.Command {
	spacesCmd := &cobra.Command{
		Use:   "spaces <strategy>",
		Short: "Show the hyperopt spaces of a strategy and the generated combinations",
		Args:  cobra.ExactArgs(1),
		RunE:  runSpaces,
	}
	spacesCmd.Flags().IntVarP(&maxCombo, "max-combo", "m", 0, "Largest combination size (overrides optimizer.max_combo)")
	return spacesCmd
}

func runSpaces(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if maxCombo > 0 {
		cfg.Optimizer.MaxCombo = maxCombo
	}

	introspector := strategy.NewIntrospector(cfg.Runner().StrategyDir())
	info, err := introspector.Info(args[0])
	if err != nil {
		return err
	}
	return printSpaces(os.Stdout, info, cfg.Optimizer.MaxCombo)
}

func printSpaces(w io.Writer, info *strategy.Info, size int) error {
	spaces := info.SpaceList()
	standard, custom := combo.SplitSpaces(spaces)

	fmt.Fprintf(w, "strategy:  %s (%s)\n", info.Name, info.File)
	fmt.Fprintf(w, "timeframe: %s\n", info.Timeframe)
	fmt.Fprintf(w, "standard:  %s\n", strings.Join(standard, ", "))
	fmt.Fprintf(w, "custom:    %s\n", strings.Join(custom, ", "))

	if len(info.ParamSpaces) > 0 {
		names := make([]string, 0, len(info.ParamSpaces))
		for name := range info.ParamSpaces {
			names = append(names, name)
		}
		sort.Strings(names)

		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"Parameter", "Space"})
		for _, name := range names {
			table.Append([]string{name, info.ParamSpaces[name]})
		}
		table.Render()
	}

	combos := combo.GenerateCustomSpaces(spaces, size)
	fmt.Fprintf(w, "%d combinations (max size %d):\n", len(combos), size)
	for _, c := range combos {
		std, cst := combo.SplitSpaces(c)
		fmt.Fprintf(w, "  %s\n", combo.Tag(std, cst, info.Timeframe))
	}
	return nil
}
