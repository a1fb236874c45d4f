package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"tally/internal/core"
	"tally/internal/report"
)

// ReportExporter pushes an assembled report to an external destination.
type ReportExporter interface {
	Export(ctx context.Context, p report.Payload) (string, error)
}

// SheetsExporter writes report payloads to a Google Sheets tab, one row per
// report group. Each export replaces the tab's contents.
type SheetsExporter struct {
	svc           *gsheet.Service
	spreadsheetID string
	sheetName     string
}

var _ ReportExporter = (*SheetsExporter)(nil)

// NewSheetsExporterFromEnv creates an exporter using environment variables.
// Required: GOOGLE_SPREADSHEET_ID.
// Optional: GOOGLE_REPORT_SHEET_NAME (default "Reports").
// Auth: GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or
// GOOGLE_APPLICATION_CREDENTIALS.
func NewSheetsExporterFromEnv(ctx context.Context) (*SheetsExporter, error) {
	spreadsheetID := strings.TrimSpace(os.Getenv("GOOGLE_SPREADSHEET_ID"))
	if spreadsheetID == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}

	sheetName := strings.TrimSpace(os.Getenv("GOOGLE_REPORT_SHEET_NAME"))
	if sheetName == "" {
		sheetName = "Reports"
	}

	svc, err := newSheetsService(ctx)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}

	return &SheetsExporter{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
	}, nil
}

// newSheetsService initializes a Sheets Service using Service Account credentials.
func newSheetsService(ctx context.Context) (*gsheet.Service, error) {
	serviceAccountJSON := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON"))
	serviceAccountFile := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE"))

	// Also check the standard Google Cloud environment variable
	if serviceAccountJSON == "" && serviceAccountFile == "" {
		serviceAccountFile = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	var credentialsJSON []byte
	var err error

	switch {
	case serviceAccountJSON != "":
		credentialsJSON = []byte(serviceAccountJSON)
	case serviceAccountFile != "":
		credentialsJSON, err = os.ReadFile(serviceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}

	service, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(credentialsJSON),
		goption.WithScopes(gsheet.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	return service, nil
}

// Export replaces the report tab with the payload's rows and returns the
// written range.
func (e *SheetsExporter) Export(ctx context.Context, p report.Payload) (string, error) {
	if e.svc == nil {
		return "", errors.New("sheets service not initialized")
	}

	rows := buildRows(p)

	clearRange := fmt.Sprintf("%s!A:E", e.sheetName)
	if _, err := e.svc.Spreadsheets.Values.Clear(e.spreadsheetID, clearRange, &gsheet.ClearValuesRequest{}).
		Context(ctx).Do(); err != nil {
		return "", fmt.Errorf("clear sheet %s: %w", e.sheetName, err)
	}

	writeRange := fmt.Sprintf("%s!A1:E%d", e.sheetName, len(rows))
	vr := &gsheet.ValueRange{Values: rows}
	if _, err := e.svc.Spreadsheets.Values.Update(e.spreadsheetID, writeRange, vr).
		ValueInputOption("USER_ENTERED").Context(ctx).Do(); err != nil {
		return "", fmt.Errorf("update sheet %s: %w", e.sheetName, err)
	}

	slog.InfoContext(ctx, "Report exported to Google Sheets",
		"sheet", e.sheetName,
		"rows", len(rows),
		"group_by", string(p.Request.GroupBy))

	return writeRange, nil
}

// buildRows lays out a payload as sheet rows: a title row, a header row,
// one row per group and a trailing total row.
func buildRows(p report.Payload) [][]any {
	title := fmt.Sprintf("Spending by %s (%s, %s to %s)",
		p.Request.GroupBy,
		p.Request.Granularity,
		p.Request.Range.From.Format("2006-01-02"),
		p.Request.Range.To.Format("2006-01-02"))

	rows := [][]any{
		{title, "", "", "", time.Now().UTC().Format(time.RFC3339)},
		{"Group", "Total", "Count", "Share %", ""},
	}
	for _, r := range p.Rows {
		rows = append(rows, []any{
			r.GroupKey,
			core.Money{Cents: r.TotalCents}.String(),
			r.Count,
			fmt.Sprintf("%.1f", r.Percentage),
			"",
		})
	}
	rows = append(rows, []any{
		"TOTAL",
		core.Money{Cents: p.TotalCents}.String(),
		p.Count,
		"",
		"",
	})
	return rows
}
