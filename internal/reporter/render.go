package reporter

import (
	"embed"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
)

//go:embed templates/report.html.tmpl
var templateFS embed.FS

var htmlTemplate = template.Must(template.New("report.html.tmpl").Funcs(template.FuncMap{
	"comma":   humanize.Comma,
	"percent": func(v float64) string { return fmt.Sprintf("%.2f%%", v*100) },
	"ms":      func(v float64) string { return humanize.FormatFloat("#,###.##", v) + " ms" },
	"stamp":   func(t time.Time) string { return t.UTC().Format(time.RFC1123) },
}).ParseFS(templateFS, "templates/report.html.tmpl"))

// Render writes rep to w in format.
func Render(w io.Writer, rep *Report, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return fmt.Errorf("encode json report: %w", err)
		}
		return nil
	case FormatHTML:
		if err := htmlTemplate.Execute(w, rep); err != nil {
			return fmt.Errorf("render html report: %w", err)
		}
		return nil
	case FormatCSV:
		return renderCSV(w, rep)
	}
	return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// renderCSV flattens the report into section,key,value rows.
func renderCSV(w io.Writer, rep *Report) error {
	cw := csv.NewWriter(w)
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	i := func(v int64) string { return strconv.FormatInt(v, 10) }

	rows := [][]string{
		{"section", "key", "value"},
		{"report", "type", string(rep.Type)},
		{"report", "window_start", rep.Window.Start.UTC().Format(time.RFC3339)},
		{"report", "window_end", rep.Window.End.UTC().Format(time.RFC3339)},
		{"report", "generated_at", rep.GeneratedAt.UTC().Format(time.RFC3339)},
		{"summary", "total_logs", i(rep.Summary.TotalLogs)},
		{"summary", "errors", i(rep.Summary.Errors)},
		{"summary", "warnings", i(rep.Summary.Warnings)},
		{"summary", "error_rate", f(rep.Summary.ErrorRate)},
		{"summary", "analyses", strconv.Itoa(rep.Summary.Analyses)},
		{"summary", "alerts", strconv.Itoa(rep.Summary.Alerts)},
		{"summary", "active_alerts", strconv.Itoa(rep.Summary.ActiveAlerts)},
	}
	for _, lc := range rep.LevelCounts {
		rows = append(rows, []string{"level", string(lc.Level), i(lc.Count)})
	}
	for _, mc := range rep.TopErrors {
		rows = append(rows, []string{"top_error", mc.Message, i(mc.Count)})
	}
	for _, m := range rep.Metrics {
		rows = append(rows,
			[]string{"metric", m.Key + ".count", i(m.Count)},
			[]string{"metric", m.Key + ".avg", f(m.Avg)},
			[]string{"metric", m.Key + ".p95", f(m.P95)})
	}
	for _, a := range rep.Analyses {
		rows = append(rows, []string{"analysis", string(a.Type), strconv.Itoa(len(a.Alerts))})
	}
	for _, a := range rep.Alerts {
		rows = append(rows, []string{"alert", string(a.Severity), a.Message})
	}
	for _, r := range rep.Recommendations {
		rows = append(rows, []string{"recommendation", "", r})
	}

	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("write csv report: %w", err)
	}
	return nil
}
