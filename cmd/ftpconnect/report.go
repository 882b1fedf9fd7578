package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/OpenSalamander/salamander-sub033/internal/connlog"
	"github.com/OpenSalamander/salamander-sub033/internal/workers"
)

func newTable(w io.Writer, header ...any) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.Header(header...)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Header = tw.CellConfig{Alignment: tw.CellAlignment{Global: tw.AlignLeft}}
		cfg.Row = tw.CellConfig{Alignment: tw.CellAlignment{Global: tw.AlignLeft}}
	})
	return table
}

// printTranscript prints the connection log uid.
func printTranscript(w io.Writer, logs *connlog.Logs, uid int) error {
	table := newTable(w, "Time", "", "Message")
	for _, l := range logs.Lines(uid) {
		mark := ""
		if l.IsError {
			mark = "!"
		}
		if err := table.Append([]string{l.Time.Format("15:04:05"), mark, l.Text}); err != nil {
			return err
		}
	}
	return table.Render()
}

// printWorkers prints how many workers are in each state and the transfer
// totals.
func printWorkers(w io.Writer, list *workers.List) error {
	counts := list.StateCounts()
	states := make([]workers.State, 0, len(counts))
	for s := range counts {
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })

	table := newTable(w, "State", "Workers")
	for _, s := range states {
		if err := table.Append([]string{s.String(), fmt.Sprint(counts[s])}); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "Downloaded %d bytes, uploaded %d bytes\n", list.Downloaded(), list.Uploaded())
	return err
}
