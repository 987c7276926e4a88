package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignalValidate(t *testing.T) {
	base := Signal{Token: "X", Action: ActionBuy, CurrentPrice: 100, Confidence: 0.9, RiskLevel: RiskLow}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, base.Validate())
	})
	t.Run("missing token", func(t *testing.T) {
		s := base
		s.Token = " "
		assert.Error(t, s.Validate())
	})
	t.Run("unknown action", func(t *testing.T) {
		s := base
		s.Action = "hold"
		assert.Error(t, s.Validate())
	})
	t.Run("confidence out of range", func(t *testing.T) {
		s := base
		s.Confidence = 1.2
		assert.Error(t, s.Validate())
	})
	t.Run("non positive price", func(t *testing.T) {
		s := base
		s.CurrentPrice = 0
		assert.Error(t, s.Validate())
	})
}

func TestStopDistancePct(t *testing.T) {
	s := Signal{CurrentPrice: 100, StopLoss: 95}
	assert.InDelta(t, 0.05, s.StopDistancePct(), 1e-12)
	s.StopLoss = 0
	assert.Equal(t, 0.0, s.StopDistancePct())
}

func TestParseHelpers(t *testing.T) {
	a, err := ParseAction(" BUY ")
	assert.NoError(t, err)
	assert.Equal(t, ActionBuy, a)
	assert.Equal(t, ActionSell, a.Opposite())
	_, err = ParseAction("short")
	assert.Error(t, err)

	assert.Equal(t, RiskHigh, ParseRiskLevel("High"))
	assert.Equal(t, RiskMedium, ParseRiskLevel(""))
}

func TestFilterBars(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []Bar{{Time: t0}, {Time: t0.Add(time.Hour)}, {Time: t0.Add(2 * time.Hour)}}
	got := FilterBars(bars, DateRange{Start: t0.Add(time.Hour), End: t0.Add(2 * time.Hour)})
	assert.Len(t, got, 2)
	assert.Equal(t, t0.Add(time.Hour), got[0].Time)
}
