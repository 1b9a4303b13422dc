package report

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"text/template"
	"time"

	"github.com/FranksOps/pricewatch/internal/storage"
)

// Outcome is how a run reached its terminal state.
type Outcome string

const (
	// OutcomeCompleted covers the page limit and an empty page.
	OutcomeCompleted          Outcome = "completed"
	OutcomePageUnavailable    Outcome = "page_unavailable"
	OutcomeRobotsDisallowed   Outcome = "robots_disallowed"
	OutcomeCancelled          Outcome = "cancelled"
	OutcomePersistenceFailure Outcome = "persistence_failure"
)

// Summary describes one pipeline run.
type Summary struct {
	RunID      string        `json:"run_id"`
	BaseURL    string        `json:"base_url"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration_ns"`

	// Pages counts listing pages fetched successfully.
	Pages        int `json:"pages"`
	TotalScraped int `json:"total_scraped"`
	TotalUpdated int `json:"total_updated"`
	// TotalCached counts records whose store write was skipped because the
	// run had already seen the same price.
	TotalCached int `json:"total_cached"`
	// TotalSkipped counts listing entries and records dropped as invalid.
	TotalSkipped int `json:"total_skipped"`

	Outcome Outcome `json:"outcome"`
	// StopReason is a short human description of why pagination ended.
	StopReason string `json:"stop_reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Message is the one-line result returned to the trigger caller.
func (s *Summary) Message() string {
	return fmt.Sprintf("Scraping completed. Total products scraped: %d. Updated: %d", s.TotalScraped, s.TotalUpdated)
}

// WriteJSON writes the summary to the provided writer in JSON format.
func WriteJSON(w io.Writer, summary *Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	return nil
}

var textTmpl = template.Must(template.New("summary").Parse(`{{.Message}}
------------------
Run:           {{.RunID}}
Target:        {{.BaseURL}}
Time:          {{.StartedAt.Format "2006-01-02 15:04:05"}} - {{.FinishedAt.Format "2006-01-02 15:04:05"}}
Duration:      {{.Duration}}
Pages:         {{.Pages}}
Scraped:       {{.TotalScraped}}
Updated:       {{.TotalUpdated}}
Cached:        {{.TotalCached}}
Skipped:       {{.TotalSkipped}}
Outcome:       {{.Outcome}}{{if .StopReason}} ({{.StopReason}}){{end}}
{{- if .Error}}
Error:         {{.Error}}
{{- end}}
`))

// WriteText writes a human-readable text summary to the provided writer.
func WriteText(w io.Writer, summary *Summary) error {
	if err := textTmpl.Execute(w, summary); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	return nil
}

// WriteRecords renders the stored catalog as an aligned table ("text") or
// in the persisted JSON layout ("json").
func WriteRecords(w io.Writer, records []storage.ProductRecord, format string) error {
	switch format {
	case "", "text":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TITLE\tPRICE\tIMAGE")
		for _, r := range records {
			fmt.Fprintf(tw, "%s\t%.2f\t%s\n", r.Title, r.Price, r.ImagePath)
		}
		if err := tw.Flush(); err != nil {
			return fmt.Errorf("report: %w", err)
		}
		return nil
	case "json":
		if records == nil {
			records = []storage.ProductRecord{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "    ")
		if err := enc.Encode(records); err != nil {
			return fmt.Errorf("report: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("report: unknown format %q", format)
	}
}
