package service

import (
	"context"
	"fmt"
	"math"

	"github.com/habitlog/internal/db"
	"gorm.io/gorm"
)

// CountSnapshot 是某一时刻两侧存储的周数对比
type CountSnapshot struct {
	LegacyWeeks       int64   `json:"legacy_weeks"`
	LegacyMondayWeeks int64   `json:"legacy_monday_weeks"`
	ExcludedNonMonday int64   `json:"excluded_non_monday"`
	NormalizedWeeks   int64   `json:"normalized_weeks"`
	Missing           int64   `json:"missing"`
	Surplus           int64   `json:"surplus"`
	DriftPercent      float64 `json:"drift_percent"`
}

// countStores 统计旧表、旧表中周一开始的行与规范化周数。
// 非周一行属于已知的排除类，不计入缺失。
func countStores(ctx context.Context, gdb *gorm.DB) (CountSnapshot, error) {
	var snapshot CountSnapshot

	var dates []string
	if err := gdb.WithContext(ctx).Model(&db.LegacyWeek{}).Pluck("week_start_date", &dates).Error; err != nil {
		return snapshot, fmt.Errorf("count legacy weeks: %w", err)
	}
	snapshot.LegacyWeeks = int64(len(dates))
	for _, date := range dates {
		if db.IsMonday(date) {
			snapshot.LegacyMondayWeeks++
		}
	}
	snapshot.ExcludedNonMonday = snapshot.LegacyWeeks - snapshot.LegacyMondayWeeks

	if err := gdb.WithContext(ctx).Model(&db.Week{}).Count(&snapshot.NormalizedWeeks).Error; err != nil {
		return snapshot, fmt.Errorf("count normalized weeks: %w", err)
	}

	diff := snapshot.NormalizedWeeks - snapshot.LegacyMondayWeeks
	switch {
	case diff < 0:
		snapshot.Missing = -diff
	case diff > 0:
		snapshot.Surplus = diff
	}
	if snapshot.LegacyMondayWeeks > 0 {
		percent := float64(snapshot.Missing) / float64(snapshot.LegacyMondayWeeks) * 100
		snapshot.DriftPercent = math.Round(percent*100) / 100
	}
	return snapshot, nil
}
