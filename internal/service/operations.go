package service

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/habitlog/internal/db"
)

// 分发器支持的操作名
const (
	OpCreateWeek        = "create_week"
	OpUpdateHabitRecord = "update_habit_record"
	OpDeleteWeek        = "delete_week"
	OpVerifyConsistency = "verify_consistency"
)

const (
	maxChildNameLength = 100
	maxHabitNameLength = 200
	maxHabitsPerWeek   = 50
	maxFreeTextLength  = 2000
)

// Operation 是分发器可执行的一种变体
type Operation interface {
	OperationName() string
	Validate() error
	bindUser(userID uuid.UUID)
}

// CreateWeekInput 创建（或覆盖）一个孩子的一周
type CreateWeekInput struct {
	UserID        uuid.UUID        `json:"user_id"`
	ChildName     string           `json:"child_name"`
	WeekStartDate string           `json:"week_start_date"`
	Habits        []db.LegacyHabit `json:"habits"`
	Theme         string           `json:"theme"`
	Reflection    json.RawMessage  `json:"reflection,omitempty"`
	Reward        string           `json:"reward"`
	Overwrite     bool             `json:"overwrite"`
}

func (in *CreateWeekInput) OperationName() string { return OpCreateWeek }

func (in *CreateWeekInput) bindUser(userID uuid.UUID) {
	if userID != uuid.Nil {
		in.UserID = userID
	}
}

// Validate 规范化并校验输入，失败时不会触达任何存储
func (in *CreateWeekInput) Validate() error {
	if in.UserID == uuid.Nil {
		return invalid("user_id", "is required")
	}
	if err := validateCoordinate(&in.ChildName, &in.WeekStartDate); err != nil {
		return err
	}
	in.Theme = sanitizeText(in.Theme)
	in.Reward = sanitizeText(in.Reward)
	if len(in.Theme) > maxFreeTextLength || len(in.Reward) > maxFreeTextLength {
		return invalid("theme", "theme and reward must be at most %d characters", maxFreeTextLength)
	}
	if len(in.Reflection) > 0 {
		if !json.Valid(in.Reflection) {
			return invalid("reflection", "must be valid JSON")
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, in.Reflection); err != nil {
			return invalid("reflection", "must be valid JSON")
		}
		in.Reflection = compact.Bytes()
	}

	if len(in.Habits) > maxHabitsPerWeek {
		return invalid("habits", "at most %d habits per week", maxHabitsPerWeek)
	}
	seen := make(map[string]struct{}, len(in.Habits))
	for i := range in.Habits {
		name := sanitizeText(in.Habits[i].Name)
		if name == "" {
			return invalid("habits", "habit %d has an empty name", i)
		}
		if len(name) > maxHabitNameLength {
			return invalid("habits", "habit %d name exceeds %d characters", i, maxHabitNameLength)
		}
		if _, dup := seen[name]; dup {
			return invalid("habits", "duplicate habit name %q", name)
		}
		seen[name] = struct{}{}
		in.Habits[i].Name = name
	}
	if in.Habits == nil {
		in.Habits = []db.LegacyHabit{}
	}
	return nil
}

// UpdateHabitRecordInput 修改某个习惯某一天的打卡颜色
type UpdateHabitRecordInput struct {
	UserID        uuid.UUID     `json:"user_id"`
	ChildName     string        `json:"child_name"`
	WeekStartDate string        `json:"week_start_date"`
	HabitName     string        `json:"habit_name"`
	DayIndex      *int          `json:"day_index"`
	Status        *db.DayStatus `json:"status"`
}

func (in *UpdateHabitRecordInput) OperationName() string { return OpUpdateHabitRecord }

func (in *UpdateHabitRecordInput) bindUser(userID uuid.UUID) {
	if userID != uuid.Nil {
		in.UserID = userID
	}
}

func (in *UpdateHabitRecordInput) Validate() error {
	if err := validateCoordinate(&in.ChildName, &in.WeekStartDate); err != nil {
		return err
	}
	in.HabitName = sanitizeText(in.HabitName)
	if in.HabitName == "" {
		return invalid("habit_name", "is required")
	}
	if in.DayIndex == nil {
		return invalid("day_index", "is required")
	}
	if *in.DayIndex < 0 || *in.DayIndex >= db.DaysPerWeek {
		return invalid("day_index", "must be between 0 and %d, got %d", db.DaysPerWeek-1, *in.DayIndex)
	}
	if in.Status == nil {
		return invalid("status", "is required (use \"\" to clear)")
	}
	return nil
}

// Day 返回已校验的日索引
func (in *UpdateHabitRecordInput) Day() int {
	if in.DayIndex == nil {
		return 0
	}
	return *in.DayIndex
}

// NewStatus 返回已校验的目标颜色
func (in *UpdateHabitRecordInput) NewStatus() db.DayStatus {
	if in.Status == nil {
		return db.StatusUnset
	}
	return *in.Status
}

// DeleteWeekInput 删除一个孩子的一周
type DeleteWeekInput struct {
	UserID        uuid.UUID `json:"user_id"`
	ChildName     string    `json:"child_name"`
	WeekStartDate string    `json:"week_start_date"`
}

func (in *DeleteWeekInput) OperationName() string { return OpDeleteWeek }

func (in *DeleteWeekInput) bindUser(userID uuid.UUID) {
	if userID != uuid.Nil {
		in.UserID = userID
	}
}

func (in *DeleteWeekInput) Validate() error {
	return validateCoordinate(&in.ChildName, &in.WeekStartDate)
}

// VerifyConsistencyInput 触发一次一致性校验，无参数
type VerifyConsistencyInput struct{}

func (in *VerifyConsistencyInput) OperationName() string { return OpVerifyConsistency }
func (in *VerifyConsistencyInput) bindUser(uuid.UUID)    {}
func (in *VerifyConsistencyInput) Validate() error       { return nil }

// DecodeOperation 按操作名解码载荷，未知操作直接拒绝
func DecodeOperation(name string, data json.RawMessage) (Operation, error) {
	var op Operation
	switch strings.TrimSpace(name) {
	case OpCreateWeek:
		op = &CreateWeekInput{}
	case OpUpdateHabitRecord:
		op = &UpdateHabitRecordInput{}
	case OpDeleteWeek:
		op = &DeleteWeekInput{}
	case OpVerifyConsistency:
		op = &VerifyConsistencyInput{}
	case "":
		return nil, invalid("operation", "is required")
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, name)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, op); err != nil {
			return nil, invalid("data", "malformed payload: %v", err)
		}
	}
	return op, nil
}

// requestHash 对规范化后的操作计算摘要，用于识别幂等键被挪用
func requestHash(op Operation) (string, error) {
	raw, err := json.Marshal(op)
	if err != nil {
		return "", fmt.Errorf("hash request: %w", err)
	}
	sum := sha256.New()
	sum.Write([]byte(op.OperationName()))
	sum.Write([]byte{0})
	sum.Write(raw)
	return hex.EncodeToString(sum.Sum(nil)), nil
}

func validateCoordinate(childName, weekStartDate *string) error {
	*childName = sanitizeText(*childName)
	if *childName == "" {
		return invalid("child_name", "is required")
	}
	if len(*childName) > maxChildNameLength {
		return invalid("child_name", "must be at most %d characters", maxChildNameLength)
	}
	*weekStartDate = strings.TrimSpace(*weekStartDate)
	if *weekStartDate == "" {
		return invalid("week_start_date", "is required")
	}
	parsed, err := db.ParseWeekDate(*weekStartDate)
	if err != nil {
		return invalid("week_start_date", "%v", err)
	}
	*weekStartDate = parsed.Format(db.DateLayout)
	return nil
}
