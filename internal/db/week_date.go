package db

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout 是周起始日期与打卡日期的存储格式。
const DateLayout = "2006-01-02"

// ParseWeekDate 按 UTC 解析 YYYY-MM-DD，避免时区把日期推到前一天。
func ParseWeekDate(raw string) (time.Time, error) {
	parsed, err := time.ParseInLocation(DateLayout, strings.TrimSpace(raw), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", raw)
	}
	return parsed, nil
}

// IsMonday 判断周起始日期是否为周一。只有周一开始的周才进入规范化表。
func IsMonday(date string) bool {
	parsed, err := ParseWeekDate(date)
	if err != nil {
		return false
	}
	return parsed.Weekday() == time.Monday
}

// WeekEndDate 返回起始日期之后第 6 天。
func WeekEndDate(start string) (string, error) {
	return DayDate(start, DaysPerWeek-1)
}

// DayDate 返回周内第 dayIndex 天的日期。
func DayDate(start string, dayIndex int) (string, error) {
	if dayIndex < 0 || dayIndex >= DaysPerWeek {
		return "", fmt.Errorf("day index %d out of range", dayIndex)
	}
	parsed, err := ParseWeekDate(start)
	if err != nil {
		return "", err
	}
	return parsed.AddDate(0, 0, dayIndex).Format(DateLayout), nil
}

// DayIndexOf 是 DayDate 的逆运算。
func DayIndexOf(start, recordDate string) (int, error) {
	from, err := ParseWeekDate(start)
	if err != nil {
		return 0, err
	}
	to, err := ParseWeekDate(recordDate)
	if err != nil {
		return 0, err
	}
	idx := int(to.Sub(from).Hours() / 24)
	if idx < 0 || idx >= DaysPerWeek {
		return 0, fmt.Errorf("date %s is outside the week starting %s", recordDate, start)
	}
	return idx, nil
}

// FormatWeekPeriod 生成旧表展示用的周期文案，例如 "2025년 7월 21일 ~ 2025년 7월 27일"。
func FormatWeekPeriod(start time.Time) string {
	end := start.AddDate(0, 0, DaysPerWeek-1)
	return fmt.Sprintf("%s ~ %s", formatKoreanDate(start), formatKoreanDate(end))
}

func formatKoreanDate(t time.Time) string {
	return fmt.Sprintf("%d년 %d월 %d일", t.Year(), int(t.Month()), t.Day())
}
