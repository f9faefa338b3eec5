package db

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestIsMonday(t *testing.T) {
	cases := map[string]bool{
		"2025-07-21": true,
		"2025-07-22": false,
		"2025-07-27": false,
		"2024-12-30": true,
		"not-a-date": false,
		"":           false,
	}
	for input, want := range cases {
		if got := IsMonday(input); got != want {
			t.Fatalf("IsMonday(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestDayDateRoundTrip(t *testing.T) {
	start := "2025-07-21"
	for idx := 0; idx < DaysPerWeek; idx++ {
		date, err := DayDate(start, idx)
		if err != nil {
			t.Fatalf("DayDate(%d): %v", idx, err)
		}
		back, err := DayIndexOf(start, date)
		if err != nil {
			t.Fatalf("DayIndexOf(%s): %v", date, err)
		}
		if back != idx {
			t.Fatalf("expected index %d, got %d for %s", idx, back, date)
		}
	}

	if _, err := DayDate(start, 7); err == nil {
		t.Fatal("expected error for day index 7")
	}
	if _, err := DayIndexOf(start, "2025-07-28"); err == nil {
		t.Fatal("expected error for date in the following week")
	}
}

func TestWeekEndDateCrossesMonth(t *testing.T) {
	end, err := WeekEndDate("2025-06-30")
	if err != nil {
		t.Fatalf("WeekEndDate: %v", err)
	}
	if end != "2025-07-06" {
		t.Fatalf("unexpected end date %s", end)
	}
}

func TestFormatWeekPeriod(t *testing.T) {
	start := time.Date(2025, time.October, 13, 0, 0, 0, 0, time.UTC)
	got := FormatWeekPeriod(start)
	want := "2025년 10월 13일 ~ 2025년 10월 19일"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestExtractTimePeriod(t *testing.T) {
	cases := map[string]string{
		"아침 (6-9시) 스스로 일어나기":        "아침 (6-9시)",
		"저녁 (18-21시) 정리 정돈 및 내일 준비": "저녁 (18-21시)",
		"밤 (21시-24시) 일기":           "밤 (21시-24시)",
		"양치하기":                     "",
		"(열린 괄호":                   "",
	}
	for input, want := range cases {
		if got := ExtractTimePeriod(input); got != want {
			t.Fatalf("ExtractTimePeriod(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestWeekRejectsNonMondayStart(t *testing.T) {
	gdb, err := gorm.Open(sqlite.Open("file:week_hook_test?mode=memory&cache=shared"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	childID := uuid.New()
	tuesday := Week{ChildID: childID, WeekStartDate: "2025-07-22"}
	if err := gdb.Create(&tuesday).Error; err == nil {
		t.Fatal("expected non-Monday week to be rejected")
	}

	monday := Week{ChildID: childID, WeekStartDate: "2025-07-21"}
	if err := gdb.Create(&monday).Error; err != nil {
		t.Fatalf("create Monday week: %v", err)
	}
	if monday.WeekEndDate != "2025-07-27" {
		t.Fatalf("expected derived end date, got %s", monday.WeekEndDate)
	}
}
