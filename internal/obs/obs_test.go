package obs

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	l, err := NewLogger("debug", true)
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(-1))

	l, err = NewLogger("", false)
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(-1))

	_, err = NewLogger("loud", false)
	assert.Error(t, err)

	assert.NotNil(t, Or(nil))
}

func TestMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry(), "")
	m.Event("parts", "create")
	m.Event("parts", "create")
	m.RowsWritten("parts", "create", 3)
	m.RowsWritten("parts", "create", 0)
	m.Observe("create", 0.02)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Events.WithLabelValues("parts", "create")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Rows.WithLabelValues("parts", "create")))

	var none *Metrics
	assert.NotPanics(t, func() {
		none.Event("x", "y")
		none.RowsWritten("x", "y", 1)
		none.Observe("x", 1)
	})
}

func TestSetupTracing_Disabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), "", "dupe")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
