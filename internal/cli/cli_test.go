package cli

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/habitlog/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func resetFlags() {
	dbDriver, dbDSN, logMode = "", "", ""
	verifySample, verifyExpected = 0, ""
	verifyJSON, verifyStrict, verifyNoAlert = false, false, false
	backfillTargets = nil
	backfillAll, backfillDryRun, backfillJSON = false, false, false
	backfillSource = ""
	ledgerStatus, ledgerOperation, ledgerLimit = "", "", 50
}

// setupCLIDB points the commands at a fresh sqlite file seeded with one legacy week.
func setupCLIDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "habitlog.db")
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_PATH", path)
	t.Setenv("LOG_MODE", "prod")
	t.Setenv("ALERT_WEBHOOK_URL", "")

	gdb, err := db.Open(db.Options{DSN: path})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	defer sqlDB.Close()

	userID := uuid.New()
	for _, date := range []string{"2025-07-21", "2025-07-22"} {
		row := &db.LegacyWeek{
			UserID:        userID,
			ChildName:     "이은지",
			WeekStartDate: date,
			Theme:         "정리 정돈",
			Reward:        "놀이공원",
			Reflection:    datatypes.JSON(`"잘했어요"`),
		}
		var times db.DayVector
		times[0] = db.StatusGreen
		times[3] = db.StatusRed
		row.SetHabits([]db.LegacyHabit{{ID: 1, Name: "아침 (6-9시) 물 마시기", Times: times}})
		require.NoError(t, gdb.Create(row).Error)
	}

	completed := time.Date(2025, 7, 21, 9, 0, 0, 0, time.UTC)
	require.NoError(t, gdb.Create(&db.IdempotencyLog{
		Key:         "cli-key-1",
		Operation:   "create_week",
		RequestHash: "abc",
		Status:      db.LedgerSucceeded,
		Step:        db.StepNormalizedWritten,
		StatusCode:  201,
		CompletedAt: &completed,
	}).Error)
	return path
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	resetFlags()
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	code := Execute()
	return code, stdout.String(), stderr.String()
}

func TestVerifyReportsMissingWeek(t *testing.T) {
	setupCLIDB(t)

	code, out, _ := runCLI(t, "verify", "--no-alert")
	assert.Equal(t, 2, code)
	assert.Contains(t, out, "# Consistency report")
	assert.Contains(t, out, "Drift detected")
}

func TestBackfillThenVerify(t *testing.T) {
	setupCLIDB(t)

	code, out, _ := runCLI(t, "backfill", "--all", "--dry-run")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Found 1 missing weeks (1 non-Monday weeks excluded)")
	assert.Contains(t, out, "would backfill 이은지@2025-07-21")

	code, out, _ = runCLI(t, "backfill", "--target", "이은지@2025-07-21")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "Succeeded: 1  Skipped: 0  Failed: 0")
	assert.Contains(t, out, "Missing weeks: 1 -> 0 (improved)")

	code, out, _ = runCLI(t, "backfill", "--target", "이은지@2025-07-21")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Succeeded: 0  Skipped: 1  Failed: 0")

	// Rows tagged backfill only raise a LOW source-version issue.
	code, out, _ = runCLI(t, "verify", "--no-alert")
	assert.Equal(t, 0, code, out)
	assert.Contains(t, out, "**Status:** Consistent")

	code, _, _ = runCLI(t, "verify", "--no-alert", "--strict")
	assert.Equal(t, 2, code)

	code, _, _ = runCLI(t, "verify", "--no-alert", "--expected-source", "backfill", "--strict")
	assert.Equal(t, 0, code)
}

func TestBackfillFailures(t *testing.T) {
	setupCLIDB(t)

	code, out, _ := runCLI(t, "backfill", "--target", "없는아이@2025-07-28", "--json")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, `"failed": 1`)

	code, _, errOut := runCLI(t, "backfill")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "specify either --target or --all")

	code, _, errOut = runCLI(t, "backfill", "--target", "no-date")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Error:")
}

func TestLedgerListing(t *testing.T) {
	setupCLIDB(t)

	code, out, _ := runCLI(t, "ledger")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "KEY")
	assert.Contains(t, out, "cli-key-1")
	assert.Contains(t, out, "normalized_written")
	assert.Contains(t, out, "2025-07-21T09:00:00Z")

	code, out, _ = runCLI(t, "ledger", "--status", "pending")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "No idempotency log entries.")
}

func TestDSNFlagOverridesEnvironment(t *testing.T) {
	setupCLIDB(t)
	other := filepath.Join(t.TempDir(), "other.db")

	code, out, _ := runCLI(t, "--dsn", other, "ledger")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "No idempotency log entries.")
}
