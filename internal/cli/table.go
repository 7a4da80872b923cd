package cli

import (
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// newTable returns a light-styled table writer rendering to out.
func newTable(out io.Writer, header ...any) table.Writer {
	w := table.NewWriter()
	w.SetOutputMirror(out)
	w.SetStyle(table.StyleLight)
	w.AppendHeader(table.Row(header))
	return w
}

// alignRight right-aligns the given 1-based columns.
func alignRight(w table.Writer, columns ...int) {
	cfgs := make([]table.ColumnConfig, len(columns))
	for i, c := range columns {
		cfgs[i] = table.ColumnConfig{Number: c, Align: text.AlignRight}
	}
	w.SetColumnConfigs(cfgs)
}
