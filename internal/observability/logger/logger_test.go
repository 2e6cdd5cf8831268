package logger

import (
	"context"
	"testing"
	"time"

	obscontext "github.com/smallbiznis/revshare/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithOwnerID(ctx, "42")
	ctx = obscontext.WithBatchID(ctx, "batch-9")

	WithContext(ctx, base).Info("cleared")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "42", fields["owner_id"])
	assert.Equal(t, "batch-9", fields["batch_id"])
	assert.NotContains(t, fields, "actor_id")
	assert.NotContains(t, fields, "trace_id")
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(nil, Config{Level: "chatty"})
	require.Error(t, err)
}

func TestGormLoggerFlagsCommissionTableMutations(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	gl := NewGormLogger(DefaultGormLoggerConfig())
	ctx := context.Background()
	gl.Trace(ctx, time.Now(), func() (string, int64) {
		return `UPDATE "commission_records" SET "amount"=$1 WHERE "id" = $2`, 1
	}, nil)
	gl.Trace(ctx, time.Now(), func() (string, int64) {
		return `UPDATE "sub_orders" SET "status"=$1 WHERE id = $2 AND status = $3`, 1
	}, nil)
	gl.Trace(ctx, time.Now(), func() (string, int64) {
		return `SELECT * FROM commission_records WHERE id = $1`, 1
	}, nil)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "gorm.immutable_table_mutation", entry.Message)
	assert.Equal(t, "UPDATE", entry.ContextMap()["operation"])
}

func TestTouchesImmutableTable(t *testing.T) {
	assert.True(t, touchesImmutableTable("DELETE FROM commission_events WHERE id = 1"))
	assert.True(t, touchesImmutableTable("UPDATE `commission_rules` SET code = 'x'"))
	assert.False(t, touchesImmutableTable("UPDATE commission_rules_archive SET code = 'x'"))
	assert.False(t, touchesImmutableTable("UPDATE vendor_tiers SET level = 'gold'"))
}
