package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/habitlog/internal/config"
	"github.com/habitlog/internal/db"
	"github.com/habitlog/internal/logger"
	"github.com/habitlog/internal/service"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var habitPool = []string{
	"아침 (6-9시) 물 마시기",
	"아침 (6-9시) 이불 정리",
	"양치하기",
	"오후 (12-18시) 숙제하기",
	"장난감 정리",
	"저녁 (18-21시) 책 읽기",
	"밤 (21시-24시) 일기 쓰기",
	"줄넘기 100번",
}

var themes = []string{"스스로 하기", "정리 정돈", "건강한 습관", "책과 친해지기"}
var rewards = []string{"공원 가기", "보드게임", "아이스크림", "영화 보기"}

type seedOptions struct {
	UserID        uuid.UUID
	Children      []string
	Weeks         int
	Start         time.Time
	NonMonday     int
	Seed          uint64
	WithMigration bool
}

type seedResult struct {
	Inserted   int
	Skipped    int
	Backfilled *service.BackfillSummary
}

// 生成旧表历史数据，可选地以 migration 标记一次性迁移到规范化表
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("配置加载失败:", err)
	}

	username := flag.String("username", cfg.SuperRootUserName, "owner of the seeded weeks")
	password := flag.String("password", cfg.SuperRootPassword, "password used when the owner does not exist yet")
	weeks := flag.Int("weeks", 12, "Monday-start weeks per child")
	start := flag.String("start", "2025-01-06", "first week start date (YYYY-MM-DD, Monday)")
	nonMonday := flag.Int("non-monday", 2, "extra weeks per child that start on a Tuesday")
	seed := flag.Uint64("seed", 1, "random seed")
	withMigration := flag.Bool("with-migration", false, "copy the seeded weeks to the normalized schema tagged as migration")
	flag.Parse()

	children := flag.Args()
	if len(children) == 0 {
		children = []string{"이은지", "이영신"}
	}

	startDate, err := db.ParseWeekDate(*start)
	if err != nil {
		log.Fatal("开始日期无效:", err)
	}

	appLog, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatal("日志初始化失败:", err)
	}
	defer appLog.Sync()

	gdb, err := db.Open(db.Options{Driver: cfg.DatabaseDriver, DSN: cfg.DSN()})
	if err != nil {
		log.Fatal("数据库初始化失败:", err)
	}

	owner, err := db.EnsureUser(gdb, *username, *password)
	if err != nil {
		log.Fatal("创建用户失败:", err)
	}
	opts := seedOptions{
		Children:      children,
		Weeks:         *weeks,
		Start:         startDate,
		NonMonday:     *nonMonday,
		Seed:          *seed,
		WithMigration: *withMigration,
	}
	if owner != nil {
		opts.UserID = owner.ID
	}

	result, err := seedLegacy(context.Background(), gdb, appLog, opts)
	if err != nil {
		log.Fatal("生成数据失败:", err)
	}

	fmt.Printf("旧表写入 %d 周，已存在跳过 %d 周\n", result.Inserted, result.Skipped)
	if result.Backfilled != nil {
		fmt.Printf("迁移完成: 成功 %d, 跳过 %d, 失败 %d\n",
			result.Backfilled.Succeeded, result.Backfilled.Skipped, result.Backfilled.Failed)
	}
}

func seedLegacy(ctx context.Context, gdb *gorm.DB, log *logger.Logger, opts seedOptions) (*seedResult, error) {
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	result := &seedResult{}

	for _, child := range opts.Children {
		dates := make([]time.Time, 0, opts.Weeks+opts.NonMonday)
		for i := 0; i < opts.Weeks; i++ {
			dates = append(dates, opts.Start.AddDate(0, 0, 7*i))
		}
		for i := 0; i < opts.NonMonday; i++ {
			dates = append(dates, opts.Start.AddDate(0, 0, 7*i+1))
		}

		for _, date := range dates {
			row, err := legacyRow(rng, opts.UserID, child, date)
			if err != nil {
				return nil, err
			}
			res := gdb.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
			if res.Error != nil {
				return nil, fmt.Errorf("insert %s@%s: %w", child, row.WeekStartDate, res.Error)
			}
			if res.RowsAffected == 0 {
				result.Skipped++
				continue
			}
			result.Inserted++
		}
	}
	log.Info("legacy history seeded", "inserted", result.Inserted, "skipped", result.Skipped)

	if opts.WithMigration {
		summary, err := service.NewBackfillReconciler(gdb, log, service.BackfillOptions{SourceVersion: db.SourceMigration}).BackfillAll(ctx)
		if err != nil {
			return nil, err
		}
		result.Backfilled = summary
	}
	return result, nil
}

func legacyRow(rng *rand.Rand, userID uuid.UUID, child string, start time.Time) (*db.LegacyWeek, error) {
	reflection, err := json.Marshal(fmt.Sprintf("%s 주간 돌아보기", start.Format("01/02")))
	if err != nil {
		return nil, err
	}

	row := &db.LegacyWeek{
		UserID:        userID,
		ChildName:     child,
		WeekStartDate: start.Format("2006-01-02"),
		WeekPeriod:    db.FormatWeekPeriod(start),
		Theme:         themes[rng.IntN(len(themes))],
		Reward:        rewards[rng.IntN(len(rewards))],
		Reflection:    datatypes.JSON(reflection),
		CreatedAt:     start.Add(8 * time.Hour),
	}
	row.SetHabits(randomHabits(rng))
	return row, nil
}

func randomHabits(rng *rand.Rand) []db.LegacyHabit {
	count := 2 + rng.IntN(4)
	names := rng.Perm(len(habitPool))[:count]
	statuses := []db.DayStatus{db.StatusUnset, db.StatusGreen, db.StatusGreen, db.StatusYellow, db.StatusRed}

	habits := make([]db.LegacyHabit, 0, count)
	for i, idx := range names {
		var times db.DayVector
		for day := range times {
			times[day] = statuses[rng.IntN(len(statuses))]
		}
		habits = append(habits, db.LegacyHabit{ID: i + 1, Name: habitPool[idx], Times: times})
	}
	return habits
}
