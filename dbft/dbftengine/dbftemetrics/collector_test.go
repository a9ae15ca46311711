package dbftemetrics_test

import (
	"testing"
	"time"

	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/gordian-engine/dbft/dbft/dbftengine/dbftemetrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := dbftemetrics.NewCollector(reg, prometheus.Labels{"validator": "v0"})

	c.SetRound(7, 2)
	c.ChangeViewRequested(dbftconsensus.ReasonTimeout)
	c.ChangeViewRequested(dbftconsensus.ReasonTimeout)
	c.ChangeViewRequested(dbftconsensus.ReasonTxInvalid)
	c.ViewChanged()
	c.BlockFinalized(3, 250*time.Millisecond)
	c.EnvelopeHandled(dbftconsensus.HandleEnvelopeAccepted)

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.Equal(t, 9, n)

	n, err = testutil.GatherAndCount(reg, "dbft_change_view_requests_total")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestCollector_sharedRegistry(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	a := dbftemetrics.NewCollector(reg, prometheus.Labels{"validator": "a"})
	b := dbftemetrics.NewCollector(reg, prometheus.Labels{"validator": "b"})

	a.SetRound(1, 0)
	b.SetRound(2, 0)

	n, err := testutil.GatherAndCount(reg, "dbft_height")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestCollector_nil(t *testing.T) {
	t.Parallel()

	var c *dbftemetrics.Collector
	require.NotPanics(t, func() {
		c.SetRound(1, 0)
		c.ChangeViewRequested(dbftconsensus.ReasonTimeout)
		c.ViewChanged()
		c.BlockFinalized(0, 0)
		c.EnvelopeHandled(dbftconsensus.HandleEnvelopeStale)
	})
}
