package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Presence/internal/domain"
)

func TestEventCounter(t *testing.T) {
	before := testutil.ToFloat64(Events.WithLabelValues("bulk"))
	require.NoError(t, EventCounter{}.OnChange(context.Background(), domain.ChangeEvent{Room: "lobby", BulkChange: true}))
	assert.Equal(t, before+1, testutil.ToFloat64(Events.WithLabelValues("bulk")))
}
