package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rx3lixir/migration-service/pkg/logger"
)

func TestEmitter_DeliversToAllListeners(t *testing.T) {
	emitter := NewEmitter(logger.NewNop())

	var got []string
	emitter.Subscribe(EventMigrationStarted, func(payload any) {
		p := payload.(MigrationStartedPayload)
		got = append(got, "first:"+p.MigrationID)
	})
	emitter.Subscribe(EventMigrationStarted, func(payload any) {
		p := payload.(MigrationStartedPayload)
		got = append(got, "second:"+p.MigrationID)
	})

	emitter.Emit(EventMigrationStarted, MigrationStartedPayload{MigrationID: "m-1"})

	assert.Equal(t, []string{"first:m-1", "second:m-1"}, got)
}

func TestEmitter_PanicIsolation(t *testing.T) {
	emitter := NewEmitter(logger.NewNop())

	survived := false
	emitter.Subscribe(EventPhaseCompleted, func(any) {
		panic("listener bug")
	})
	emitter.Subscribe(EventPhaseCompleted, func(any) {
		survived = true
	})

	// Паника первого подписчика не мешает второму и не рушит эмиттер
	assert.NotPanics(t, func() {
		emitter.Emit(EventPhaseCompleted, PhaseResult{Phase: PhaseCutover})
	})
	assert.True(t, survived)
}

func TestEmitter_EmitWithoutListeners(t *testing.T) {
	emitter := NewEmitter(logger.NewNop())

	assert.NotPanics(t, func() {
		emitter.Emit(EventMetricsUpdated, PhaseMetrics{})
	})
}
