package main

import (
	"context"
	"fmt"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	gomlxctx "github.com/gomlx/gomlx/ml/context"
	"github.com/janpfeifer/latentpixel/internal/backbone"
	"github.com/janpfeifer/latentpixel/internal/generics"
	"github.com/janpfeifer/latentpixel/internal/latentmodel"
	"github.com/janpfeifer/latentpixel/internal/ml"
	"golang.org/x/term"
	"os"
	"slices"
	"strconv"
	"strings"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	warnStyle   = cellStyle.Foreground(lipgloss.Color("11"))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// terminalWidth or a default if stdout is not a terminal.
func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 120
	}
	return width
}

// newTable with the given headers. Rows for which warn returns true are highlighted.
func newTable(width int, warn func(row int) bool, headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Width(width).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case warn != nil && warn(row):
				return warnStyle
			}
			return cellStyle
		})
}

func runInspect(_ context.Context, m latentmodel.LatentModel) error {
	width := terminalWidth()
	fmt.Println(renderModel(m, width))
	if backbone.IsNil(m.Backbone()) {
		fmt.Println("No backbone loaded.")
		return nil
	}
	b := m.Backbone().Unwrap()
	fmt.Println(renderVariables(b, m.ConnectionLayers(), width))
	if report := b.LoadReport(); report != nil {
		fmt.Println(renderReport(report, width))
	}
	return nil
}

func renderModel(m latentmodel.LatentModel, width int) string {
	size := m.LatentSize()
	cfg := m.BackboneConfig()
	coderDesc := "none (pixel space)"
	if c := m.Coder(); c != nil {
		coderDesc = fmt.Sprintf("%d latent channels, decoder attached: %v", c.Channels(), c.HasDecoder())
	}
	backboneDesc := "none"
	if !backbone.IsNil(m.Backbone()) {
		backboneDesc = fmt.Sprint(m.Backbone())
	}
	t := newTable(width, nil, "Model", fmt.Sprintf("%T", m))
	t.Row("Latent size", size.String())
	t.Row("Patches", fmt.Sprintf("%d in layout %s, backbone layout %s", size.NumPatches(), size.Native(),
		size.BackboneLayout()))
	t.Row("Backbone image", fmt.Sprintf("%dx%dx%d, patch %d", cfg.NumChannels, cfg.ImageHeight, cfg.ImageWidth,
		cfg.PatchSize))
	t.Row("Backbone", backboneDesc)
	t.Row("Coder", coderDesc)
	t.Row("Connection layers", strings.Join(generics.SliceMap(m.ConnectionLayers(), strconv.Quote), ", "))
	return t.Render()
}

// renderVariables lists the variables of b, marking the ones in the connection layers.
func renderVariables(b *backbone.Backbone, connectionLayers []string, width int) string {
	shapes := make(map[string]string)
	b.Context().EnumerateVariables(func(v *gomlxctx.Variable) {
		shapes[ml.VariablePath(v)] = v.Shape().String()
	})
	var rows [][]string
	for path, shape := range generics.SortedKeysAndValues(shapes) {
		var connection string
		if slices.ContainsFunc(connectionLayers, func(scope string) bool { return ml.InScope(path, scope) }) {
			connection = "yes"
		}
		rows = append(rows, []string{path, shape, connection})
	}
	t := newTable(width, func(row int) bool { return rows[row][2] != "" }, "Variable", "Shape", "Connection layer")
	return t.Rows(rows...).Render()
}

// renderReport lists what happened to each variable when loading the backbone checkpoint.
func renderReport(report *backbone.LoadReport, width int) string {
	if report == nil {
		return "Backbone not loaded from a checkpoint."
	}
	var rows [][]string
	for _, status := range []struct {
		name  string
		paths []string
	}{
		{"loaded", report.Loaded},
		{"mismatched: re-initialized", report.Mismatched},
		{"missing: initialized", report.Missing},
		{"unused", report.Unused},
		{"skipped: bookkeeping", report.Skipped},
	} {
		for _, path := range status.paths {
			rows = append(rows, []string{path, status.name})
		}
	}
	t := newTable(width, func(row int) bool { return rows[row][1] != "loaded" }, "Variable", "Checkpoint "+report.Dir)
	return t.Rows(rows...).Render()
}
