package validation

import (
	"strings"
	"testing"

	"timrs/internal/apperr"
	"timrs/internal/models"
)

func TestTimerForm(t *testing.T) {
	tests := []struct {
		name    string
		form    models.TimerForm
		wantErr string
	}{
		{"valid", models.TimerForm{Name: "No coffee", TimeUnit: models.UnitDays, CustomResetAmount: 1}, ""},
		{"blank name", models.TimerForm{Name: "   ", TimeUnit: models.UnitDays, CustomResetAmount: 1}, "Timer name is required"},
		{"long name", models.TimerForm{Name: strings.Repeat("x", 51), TimeUnit: models.UnitDays, CustomResetAmount: 1}, "Timer name must be 50 characters or less"},
		{"bad unit", models.TimerForm{Name: "a", TimeUnit: "fortnights", CustomResetAmount: 1}, "Time unit must be one of"},
		{"zero amount", models.TimerForm{Name: "a", TimeUnit: models.UnitHours, CustomResetAmount: 0}, "Reset amount must be at least 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := TimerForm(tt.form)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
				if got.Name != strings.TrimSpace(tt.form.Name) {
					t.Errorf("Expected trimmed name, got %q", got.Name)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.wantErr)
			}
			if !apperr.Is(err, apperr.Validation) {
				t.Errorf("Expected validation kind, got %s", apperr.KindOf(err))
			}
			if !strings.Contains(apperr.UserMessage(err), tt.wantErr) {
				t.Errorf("Expected message containing %q, got %q", tt.wantErr, apperr.UserMessage(err))
			}
		})
	}
}

func TestResetInput(t *testing.T) {
	in, err := ResetInput(models.ResetInput{Reason: "  stress  ", Mood: 3})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if in.Reason != "stress" {
		t.Errorf("Expected trimmed reason, got %q", in.Reason)
	}

	_, err = ResetInput(models.ResetInput{Reason: "x", Mood: 6})
	if err == nil {
		t.Fatal("Expected mood error")
	}
	fields := Fields(err)
	if len(fields) != 1 || fields[0].Field != "mood" {
		t.Errorf("Expected one mood field error, got %+v", fields)
	}

	_, err = ResetInput(models.ResetInput{Reason: "", Mood: 0})
	if len(Fields(err)) != 2 {
		t.Errorf("Expected two field errors, got %+v", Fields(err))
	}
}

func TestBugReportForm(t *testing.T) {
	f, err := BugReportForm(models.BugReportForm{Description: "  crash on reset  ", AppVersion: " 1.2.0 "})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if f.Description != "crash on reset" || f.AppVersion != "1.2.0" {
		t.Errorf("Expected trimmed fields, got %+v", f)
	}

	_, err = BugReportForm(models.BugReportForm{Description: "   "})
	if !strings.Contains(apperr.UserMessage(err), "Bug description is required") {
		t.Errorf("Expected description error, got %v", err)
	}

	_, err = BugReportForm(models.BugReportForm{Description: strings.Repeat("x", 2001)})
	fields := Fields(err)
	if len(fields) != 1 || fields[0].Field != "description" {
		t.Errorf("Expected one description field error, got %+v", fields)
	}
}
