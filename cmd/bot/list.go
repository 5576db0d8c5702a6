package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"postbot/internal/config"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00D4FF")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#555555"))
)

// runList prints stored records without connecting to any chat platform.
func runList(w io.Writer, cfgPath string) error {
	cfg, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		return err
	}
	sc, err := config.ResolveStorage(cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(sc, logx.Nop())
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	recs, err := st.List(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, renderRecords(recs))
	return err
}

func renderRecords(recs []storage.Record) string {
	if len(recs) == 0 {
		return dimStyle.Render("no schedules")
	}
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		when := r.FireAt
		if r.Kind == storage.KindRecurring {
			when = r.CronExpr
		}
		rows = append(rows, []string{
			r.ID,
			strconv.FormatInt(r.DestinationID, 10),
			string(r.Kind),
			when,
			string(r.Status),
			preview(r.Content, 40),
		})
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("ID", "DESTINATION", "KIND", "WHEN", "STATUS", "CONTENT").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.Render()
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
