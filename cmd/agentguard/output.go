package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

var (
	red    = color.New(color.FgRed, color.Bold)
	green  = color.New(color.FgGreen, color.Bold)
	yellow = color.New(color.FgYellow, color.Bold)
	cyan   = color.New(color.FgCyan, color.Bold)
	dim    = color.New(color.Faint)
)

var stdout io.Writer = os.Stdout

func success(format string, args ...any) {
	green.Fprint(stdout, "✓ ")
	fmt.Fprintf(stdout, format+"\n", args...)
}

func warning(format string, args ...any) {
	yellow.Fprint(stdout, "⚠ ")
	fmt.Fprintf(stdout, format+"\n", args...)
}

func failure(format string, args ...any) {
	red.Fprint(stdout, "✗ ")
	fmt.Fprintf(stdout, format+"\n", args...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(headers ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(stdout)
	table.SetHeader(headers)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("  ")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	return table
}

func yesNo(b bool) string {
	if b {
		return green.Sprint("yes")
	}
	return dim.Sprint("no")
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-2]) + ".."
}
