// Package report renders the per-target status report.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/fleetwarden/internal/models"
)

// Row is one target in the status report.
type Row struct {
	TargetID     string              `json:"target_id"`
	Kind         models.TargetKind   `json:"kind"`
	Status       models.HealthStatus `json:"status"`
	Severity     models.Severity     `json:"severity,omitempty"`
	CPUPercent   float64             `json:"cpu_percent,omitempty"`
	MemPercent   float64             `json:"mem_percent,omitempty"`
	Uptime       time.Duration       `json:"uptime,omitempty"`
	LatencyMs    int64               `json:"latency_ms"`
	RestartCount int                 `json:"restart_count,omitempty"`
	HealthyRatio float64             `json:"healthy_ratio"`
	Samples      int                 `json:"samples"`
	Detail       string              `json:"detail,omitempty"`
	CheckedAt    time.Time           `json:"checked_at,omitempty"`
}

// Summary counts targets per status.
type Summary struct {
	Total    int                         `json:"total"`
	Healthy  int                         `json:"healthy"`
	ByStatus map[models.HealthStatus]int `json:"by_status"`
}

// Report is the full status report.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	Rows        []Row     `json:"rows"`
	Summary     Summary   `json:"summary"`
	ExitCode    int       `json:"exit_code"`
}

// HistorySource supplies the recorded samples for each target.
type HistorySource interface {
	List() []models.Target
	History(id string) []models.HealthSample
}

// Build assembles a report from each target's sample history.
func Build(src HistorySource, now time.Time) Report {
	r := Report{
		GeneratedAt: now,
		Summary:     Summary{ByStatus: make(map[models.HealthStatus]int)},
	}
	for _, t := range src.List() {
		row := Row{TargetID: t.ID, Kind: t.Kind, Status: models.StatusUnknown}
		history := src.History(t.ID)
		if n := len(history); n > 0 {
			last := history[n-1]
			row.Status = last.Status
			row.Severity = last.Severity
			row.CPUPercent = last.CPUPercent
			row.MemPercent = last.MemPercent
			row.Uptime = last.Uptime
			row.LatencyMs = last.LatencyMs
			row.RestartCount = last.RestartCount
			row.Detail = last.Detail
			row.CheckedAt = last.Timestamp
			row.Samples = n
			row.HealthyRatio = healthyRatio(history)
		}
		r.Rows = append(r.Rows, row)
		r.Summary.Total++
		r.Summary.ByStatus[row.Status]++
		if row.Status == models.StatusHealthy {
			r.Summary.Healthy++
		}
	}
	sort.SliceStable(r.Rows, func(i, j int) bool { return r.Rows[i].TargetID < r.Rows[j].TargetID })
	if r.Summary.Healthy != r.Summary.Total {
		r.ExitCode = 1
	}
	return r
}

func healthyRatio(samples []models.HealthSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	healthy := 0
	for _, s := range samples {
		if s.Healthy() {
			healthy++
		}
	}
	return float64(healthy) / float64(len(samples))
}

// WriteJSON renders r as indented JSON.
func WriteJSON(w io.Writer, r Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteText renders r as an aligned table. Status cells are coloured when
// useColor is set.
func WriteText(w io.Writer, r Report, useColor bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tKIND\tSTATUS\tCPU %\tMEM %\tUPTIME\tLATENCY\tHEALTHY\tDETAIL")
	for _, row := range r.Rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%dms\t%.0f%%\t%s\n",
			row.TargetID,
			row.Kind,
			statusCell(row, useColor),
			percent(row.CPUPercent, row.Kind),
			percent(row.MemPercent, row.Kind),
			uptime(row.Uptime),
			row.LatencyMs,
			row.HealthyRatio*100,
			truncate(row.Detail, 60),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d/%d healthy\n", r.Summary.Healthy, r.Summary.Total)
	return err
}

func statusCell(row Row, useColor bool) string {
	text := string(row.Status)
	if row.Severity != "" {
		text = fmt.Sprintf("%s (%s)", row.Status, row.Severity)
	}

	var c *color.Color
	switch {
	case row.Status == models.StatusHealthy && row.Severity == models.SeverityYellow:
		c = color.New(color.FgYellow)
	case row.Status == models.StatusHealthy:
		c = color.New(color.FgGreen)
	case row.Status == models.StatusStarting || row.Status == models.StatusUnknown:
		c = color.New(color.FgYellow)
	default:
		c = color.New(color.FgRed, color.Bold)
	}
	if !useColor {
		c.DisableColor()
	} else {
		c.EnableColor()
	}
	return c.Sprint(text)
}

func percent(v float64, kind models.TargetKind) string {
	if kind != models.KindContainer {
		return "-"
	}
	return fmt.Sprintf("%.1f", v)
}

func uptime(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	d = d.Round(time.Second)
	days := d / (24 * time.Hour)
	if days > 0 {
		return fmt.Sprintf("%dd%s", days, (d % (24 * time.Hour)).Round(time.Minute))
	}
	return d.String()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
