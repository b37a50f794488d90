package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	m := New()
	require.NotNil(t, m)
	assert.NotNil(t, m.bridgeState)
	assert.NotNil(t, m.macCloned)
	assert.NotNil(t, m.apClientCount)
}

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()

	require.NoError(t, m.Register(reg))
	require.NoError(t, m.Register(reg), "second registration must be idempotent")
}

func TestHandler(t *testing.T) {
	m := New()
	assert.NotNil(t, m.Handler())
}

func TestSetStateSetsExactlyOneGaugeToOne(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()
	require.NoError(t, m.Register(reg))

	m.SetState("BRIDGING")

	families, err := reg.Gather()
	require.NoError(t, err)

	var active []string
	for _, f := range families {
		if f.GetName() != "repeater_bridge_state" {
			continue
		}
		for _, metric := range f.GetMetric() {
			if metric.GetGauge().GetValue() == 1 {
				for _, l := range metric.GetLabel() {
					if l.GetName() == "state" {
						active = append(active, l.GetValue())
					}
				}
			}
		}
	}

	require.Len(t, active, 1)
	assert.Equal(t, "BRIDGING", active[0])
}

func TestClientCountAndCloneFlagsDoNotPanic(t *testing.T) {
	m := New()
	assert.NotPanics(t, func() {
		m.SetCloned(true)
		m.SetForwarding(true)
		m.SetClientCount(3)
		m.SetMACNATEntries(2)
		m.IncDHCPAcksSniffed()
		m.IncWorkerRun("clone", "ok")
		m.IncFramesForwarded("upstream")
		m.IncFramesDelivered("ap")
		m.IncFramesDropped("sta")
	})
}
