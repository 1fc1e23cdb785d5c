package main

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/list"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/yourusername/flow-forge/internal/flow"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range columns {
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := range columns {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

// renderSnapshot はフローのスナップショットを入れ子のリストとして描画します。
func renderSnapshot(snap *flow.Snapshot) string {
	lw := list.NewWriter()
	lw.SetStyle(list.StyleConnectedRounded)

	var walk func(s *flow.Snapshot)
	walk = func(s *flow.Snapshot) {
		lw.AppendItem(snapshotLine(s))
		if len(s.Children) == 0 {
			return
		}
		lw.Indent()
		for _, c := range s.Children {
			walk(c)
		}
		lw.UnIndent()
	}
	walk(snap)
	return lw.Render()
}

func snapshotLine(s *flow.Snapshot) string {
	line := fmt.Sprintf("%s:%s [%s]", s.Queue, s.JobID, s.Status)
	if s.FailedReason != "" {
		line += " " + strings.ReplaceAll(s.FailedReason, "\n", " ")
	}
	return line
}
