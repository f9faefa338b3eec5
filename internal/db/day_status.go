package db

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// DaysPerWeek 每周固定 7 个打卡位，索引 0 对应周一。
const DaysPerWeek = 7

// DayStatus 是单日打卡颜色。零值表示未填写。
type DayStatus uint8

const (
	StatusUnset DayStatus = iota
	StatusGreen
	StatusYellow
	StatusRed
)

var dayStatusNames = [...]string{
	StatusUnset:  "",
	StatusGreen:  "green",
	StatusYellow: "yellow",
	StatusRed:    "red",
}

// ParseDayStatus 解析 ""/green/yellow/red，其余取值返回错误。
func ParseDayStatus(raw string) (DayStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return StatusUnset, nil
	case "green":
		return StatusGreen, nil
	case "yellow":
		return StatusYellow, nil
	case "red":
		return StatusRed, nil
	default:
		return StatusUnset, fmt.Errorf("invalid day status %q", raw)
	}
}

func (s DayStatus) String() string {
	if int(s) < len(dayStatusNames) {
		return dayStatusNames[s]
	}
	return fmt.Sprintf("DayStatus(%d)", uint8(s))
}

// IsSet 报告该位置是否已打卡。
func (s DayStatus) IsSet() bool {
	return s != StatusUnset
}

func (s DayStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *DayStatus) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = StatusUnset
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("day status must be a string: %w", err)
	}
	parsed, err := ParseDayStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value 以文本形式落库，便于直接查看。
func (s DayStatus) Value() (driver.Value, error) {
	return s.String(), nil
}

func (s *DayStatus) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*s = StatusUnset
		return nil
	case string:
		parsed, err := ParseDayStatus(v)
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	case []byte:
		parsed, err := ParseDayStatus(string(v))
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	default:
		return fmt.Errorf("unsupported day status type %T", value)
	}
}

// DayVector 是旧表中一个习惯一周的 7 个打卡位。
type DayVector [DaysPerWeek]DayStatus

// FilledCount 返回已打卡的位数。
func (v DayVector) FilledCount() int {
	count := 0
	for _, status := range v {
		if status.IsSet() {
			count++
		}
	}
	return count
}

func (v DayVector) MarshalJSON() ([]byte, error) {
	out := make([]string, DaysPerWeek)
	for i, status := range v {
		out[i] = status.String()
	}
	return json.Marshal(out)
}

// UnmarshalJSON 接受不超过 7 项的数组，不足的位置补为未填写。
func (v *DayVector) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*v = DayVector{}
		return nil
	}
	var raw []DayStatus
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode day vector: %w", err)
	}
	if len(raw) > DaysPerWeek {
		return fmt.Errorf("day vector has %d entries, at most %d allowed", len(raw), DaysPerWeek)
	}
	var out DayVector
	copy(out[:], raw)
	*v = out
	return nil
}
