package export

import (
	"context"
	"os"
	"testing"
	"time"

	"tally/internal/aggregate"
	"tally/internal/report"
)

func TestNewSheetsExporterFromEnv_MissingSpreadsheetID(t *testing.T) {
	oldID := os.Getenv("GOOGLE_SPREADSHEET_ID")
	defer os.Setenv("GOOGLE_SPREADSHEET_ID", oldID)
	os.Unsetenv("GOOGLE_SPREADSHEET_ID")

	_, err := NewSheetsExporterFromEnv(context.Background())
	if err == nil {
		t.Fatal("expected error for missing GOOGLE_SPREADSHEET_ID")
	}
	if err.Error() != "missing GOOGLE_SPREADSHEET_ID" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNewSheetsExporterFromEnv_MissingCredentials(t *testing.T) {
	saved := map[string]string{
		"GOOGLE_SPREADSHEET_ID":          os.Getenv("GOOGLE_SPREADSHEET_ID"),
		"GOOGLE_SERVICE_ACCOUNT_JSON":    os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON"),
		"GOOGLE_SERVICE_ACCOUNT_FILE":    os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE"),
		"GOOGLE_APPLICATION_CREDENTIALS": os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
	}
	defer func() {
		for k, v := range saved {
			if v != "" {
				os.Setenv(k, v)
			} else {
				os.Unsetenv(k)
			}
		}
	}()

	os.Setenv("GOOGLE_SPREADSHEET_ID", "test-id")
	os.Unsetenv("GOOGLE_SERVICE_ACCOUNT_JSON")
	os.Unsetenv("GOOGLE_SERVICE_ACCOUNT_FILE")
	os.Unsetenv("GOOGLE_APPLICATION_CREDENTIALS")

	_, err := NewSheetsExporterFromEnv(context.Background())
	if err == nil {
		t.Fatal("expected error for missing credentials")
	}
}

func TestBuildRows(t *testing.T) {
	p := report.Payload{
		Request: report.Request{
			Range: report.Range{
				From: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
				To:   time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
			},
			GroupBy:     report.ByVendor,
			Granularity: aggregate.Monthly,
		},
		Rows: []report.Row{
			{GroupKey: "STARBUCKS", TotalCents: -6000, Count: 2, Percentage: 75},
			{GroupKey: "PIZZERIA ROMA", TotalCents: -2000, Count: 1, Percentage: 25},
		},
		TotalCents: -8000,
		Count:      3,
	}

	rows := buildRows(p)

	// title + header + 2 groups + total
	if len(rows) != 5 {
		t.Fatalf("rows = %d, want 5", len(rows))
	}
	title, _ := rows[0][0].(string)
	if title != "Spending by vendor (monthly, 2024-03-01 to 2024-04-01)" {
		t.Errorf("title = %q", title)
	}
	if rows[2][0] != "STARBUCKS" || rows[2][1] != "-60.00" || rows[2][3] != "75.0" {
		t.Errorf("first group row = %v", rows[2])
	}
	last := rows[len(rows)-1]
	if last[0] != "TOTAL" || last[1] != "-80.00" {
		t.Errorf("total row = %v", last)
	}
}
