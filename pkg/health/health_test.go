package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rx3lixir/migration-service/internal/migration"
)

func upChecker() Checker {
	return CheckerFunc(func(context.Context) CheckResult {
		return CheckResult{Status: StatusUp}
	})
}

func downChecker(reason string) Checker {
	return CheckerFunc(func(context.Context) CheckResult {
		return CheckResult{Status: StatusDown, Error: reason}
	})
}

func TestHealth_AllChecksUp(t *testing.T) {
	h := New("migration-service", "1.0.0")
	h.AddCheck("database", upChecker())
	h.AddCheck("sync", upChecker())

	response := h.Check(context.Background())

	assert.Equal(t, StatusUp, response.Status)
	assert.Equal(t, "migration-service", response.Service)
	assert.Len(t, response.Checks, 2)
}

func TestHealth_SingleFailureBringsServiceDown(t *testing.T) {
	h := New("migration-service", "1.0.0")
	h.AddCheck("database", upChecker())
	h.AddCheck("opensearch", downChecker("cluster unreachable"))

	response := h.Check(context.Background())

	assert.Equal(t, StatusDown, response.Status)
	assert.Equal(t, StatusUp, response.Checks["database"].Status)
	assert.Equal(t, StatusDown, response.Checks["opensearch"].Status)
	assert.Equal(t, "cluster unreachable", response.Checks["opensearch"].Error)
}

func TestHealth_CheckTimeoutApplied(t *testing.T) {
	h := New("migration-service", "1.0.0", WithTimeout(10*time.Millisecond))

	h.AddCheck("slow", CheckerFunc(func(ctx context.Context) CheckResult {
		select {
		case <-ctx.Done():
			return CheckResult{Status: StatusDown, Error: ctx.Err().Error()}
		case <-time.After(time.Second):
			return CheckResult{Status: StatusUp}
		}
	}))

	start := time.Now()
	response := h.Check(context.Background())

	assert.Equal(t, StatusDown, response.Status)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestSyncStateChecker(t *testing.T) {
	state := migration.NewSyncState()
	state.SetActive(true)
	state.SetPendingUpdates(7)

	result := SyncStateChecker(state).Check(context.Background())

	assert.Equal(t, StatusUp, result.Status)
	assert.Equal(t, true, result.Details["active"])
	assert.Equal(t, int64(7), result.Details["pending_updates"])

	// Неактивный движок - штатное состояние, не DOWN
	state.SetActive(false)
	result = SyncStateChecker(state).Check(context.Background())
	assert.Equal(t, StatusUp, result.Status)

	result = SyncStateChecker(nil).Check(context.Background())
	assert.Equal(t, StatusDown, result.Status)
}
