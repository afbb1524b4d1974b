// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// xfuse_state inspects checkpoint directories written by params.Store.Save:
// it reports a size summary, the hyperparameters and the stored parameters,
// without needing an accelerator backend.
//
// Example:
//
//	xfuse_state -summary -vars ~/work/my_model
package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagScope = flag.String("scope", "/", "The scope of the checkpoint to inspect. "+
		"Parameter names map to scopes, so -scope=/encoder restricts the reports to parameters "+
		"named \"encoder/...\".")

	flagSummary = flag.Bool("summary", false, "Display a summary of the stored state sizes "+
		"(for parameters under -scope).")
	flagParams = flag.Bool("params", false, "Lists the hyperparameters.")
	flagVars   = flag.Bool("vars", false, "Lists the parameters under -scope.")
	flagAll    = flag.Bool("all", false, "Equivalent to -summary -params -vars.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing checkpoint directory to read from. See 'xfuse_state -help'.")
		os.Exit(1)
	}
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'xfuse_state -help'.")
		os.Exit(1)
	}
	if *flagAll {
		*flagSummary = true
		*flagParams = true
		*flagVars = true
	}
	if !*flagSummary && !*flagParams && !*flagVars {
		*flagSummary = true
	}
	report(args[0])
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				// Even row style.
				s = oddRowStyle
			default:
				// Odd row style
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func report(checkpointPath string) {
	ctx := context.New()
	_ = must.M1(checkpoints.Load(ctx).
		Dir(checkpointPath).Immediate().Done())
	scopedCtx := ctx
	if *flagScope != "" {
		scopedCtx = ctx.InAbsPath(*flagScope)
	}

	// Summary table.
	if *flagSummary {
		fmt.Println(titleStyle.Render("Summary"))
		table := newPlainTable(false)
		table.Row("checkpoint", checkpointPath)
		table.Row("scope", *flagScope)

		var numVars, totalSize int
		var totalMemory uintptr
		scopedCtx.EnumerateVariablesInScope(func(v *context.Variable) {
			numVars++
			totalSize += v.Shape().Size()
			totalMemory += v.Shape().Memory()
		})
		table.Row("# parameters", humanize.Comma(int64(numVars)))
		table.Row("# elements", humanize.Comma(int64(totalSize)))
		table.Row("# bytes", humanize.Bytes(uint64(totalMemory)))
		fmt.Println(table.Render())
	}

	if *flagParams {
		fmt.Println(titleStyle.Render("Hyperparameters"))
		table := newPlainTable(true)
		table.Row("Scope", "Name", "Type", "Value")
		ctx.EnumerateParams(func(scope, key string, value any) {
			table.Row(scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value))
		})
		fmt.Println(table.Render())
	}

	if *flagVars {
		fmt.Println(titleStyle.Render("Parameters"))
		table := newPlainTable(true)
		table.Row("Scope", "Name", "Shape", "Size", "Bytes")
		var rows [][]string
		scopedCtx.EnumerateVariablesInScope(func(v *context.Variable) {
			shape := v.Shape()
			rows = append(rows, []string{
				v.Scope(), v.Name(), shape.String(),
				humanize.Comma(int64(shape.Size())),
				humanize.Bytes(uint64(shape.Memory())),
			})
		})
		slices.SortFunc(rows, func(a, b []string) int {
			cmp := strings.Compare(a[0], b[0])
			if cmp != 0 {
				return cmp
			}
			return strings.Compare(a[1], b[1])
		})
		for _, row := range rows {
			table.Row(row...)
		}
		fmt.Println(table.Render())
	}
}
