package events

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/agentic-research/dupe/internal/obs"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "dupe:parts/create", Key("dupe", "parts", Create))
}

func TestUserFromToken(t *testing.T) {
	enc := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }
	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"claim present", enc(`{"sub":"ana","role":"admin"}`), "ana"},
		{"claim missing", enc(`{"role":"admin"}`), UnknownUser},
		{"claim not a string", enc(`{"sub":7}`), UnknownUser},
		{"not json", enc("ana"), UnknownUser},
		{"not base64", "%%%", UnknownUser},
		{"empty", "", UnknownUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UserFromToken(tt.token, "sub"))
		})
	}
}

func TestNew_CopiesRequest(t *testing.T) {
	ctx := WithRequest(context.Background(), "ana",
		map[string]string{"x-request-id": "r1", "authorization": "secret", "x-empty": ""},
		[]string{"x-request-id", "x-empty", "x-missing"})

	e := New(ctx, "parts", Update, []any{1, 2})
	assert.NotEqual(t, e.ID.String(), New(ctx, "parts", Update, nil).ID.String())
	assert.Equal(t, "ana", e.User)
	assert.Equal(t, map[string]string{"x-request-id": "r1"}, e.Metadata)
	assert.Equal(t, []any{1, 2}, e.IDs)
	assert.False(t, e.At.IsZero())

	bare := New(context.Background(), "parts", Delete, nil)
	assert.Empty(t, bare.User)
	assert.Nil(t, bare.Metadata)
}

func TestBuffer(t *testing.T) {
	ctx := context.Background()
	rec := &Recorder{}
	buf := NewBuffer(rec)

	require.NoError(t, buf.Report(ctx, New(ctx, "parts", Create, []any{1})))
	require.NoError(t, buf.Report(ctx, New(ctx, "categories", Update, []any{2})))
	assert.Equal(t, 2, buf.Len())
	assert.Empty(t, rec.Events())

	require.NoError(t, buf.Flush(ctx))
	got := rec.Events()
	require.Len(t, got, 2)
	assert.Equal(t, "parts", got[0].Entity)
	assert.Equal(t, 0, buf.Len())

	require.NoError(t, buf.Report(ctx, New(ctx, "parts", Delete, nil)))
	buf.Discard()
	require.NoError(t, buf.Flush(ctx))
	assert.Len(t, rec.Events(), 2)
}

func TestMulti(t *testing.T) {
	ctx := context.Background()
	a, b := &Recorder{}, &Recorder{}
	boom := errors.New("boom")
	failing := ReporterFunc(func(context.Context, Event) error { return boom })

	err := Multi{a, failing, b}.Report(ctx, New(ctx, "parts", Create, nil))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1, "later reporters still run")

	a.Reset()
	assert.Empty(t, a.Events())
	assert.NoError(t, Discard.Report(ctx, Event{}))
}

func TestLogReporter(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	m := obs.NewMetrics(prometheus.NewRegistry(), "test")
	r := &LogReporter{Tenant: "dupe", Topic: "dupe.mutations", Logger: zap.New(core), Metrics: m}

	require.NoError(t, r.Report(context.Background(), New(context.Background(), "parts", Create, []any{1})))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "mutation", entry.Message)
	assert.Equal(t, "dupe:parts/create", entry.ContextMap()["key"])
	assert.Equal(t, "dupe.mutations", entry.ContextMap()["topic"])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Events.WithLabelValues("parts", "create")))
}
