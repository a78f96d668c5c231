package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/funnel-insights/internal/db/memstore"
)

func TestSeedDemoPeriodIsUTCDate(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	s := memstore.New()
	seedDemo(s, time.Date(2026, time.June, 1, 5, 0, 0, 0, tokyo))

	may := time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC)
	d, err := s.GetDataset(context.Background(), "demo-checkout", &may)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, d.PeriodStart.Location())
	assert.Len(t, d.Metrics, 4)
}
