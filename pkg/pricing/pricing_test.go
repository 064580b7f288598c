package pricing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexprotocol/apex-go/pkg/money"
)

func usd(t *testing.T, s string) money.Amount {
	t.Helper()
	return money.MustParse("USD", s)
}

func negotiatedState(t *testing.T, offer string, round int) State {
	t.Helper()
	return State{
		Capability: "translate",
		Round:      round,
		MaxRounds:  5,
		Offer:      usd(t, offer),
		Target:     usd(t, "50.00"),
		Minimum:    usd(t, "25.00"),
	}
}

func TestCurveCountersBetweenOfferAndTarget(t *testing.T) {
	c := NewCurve(RiskBalanced)
	state := negotiatedState(t, "30.00", 1)

	d, err := c.Decide(context.Background(), state)
	require.NoError(t, err)
	require.Equal(t, ActionCounter, d.Action)
	assert.True(t, d.Price.Minor > state.Offer.Minor, "counter %s not above offer %s", d.Price, state.Offer)
	assert.True(t, d.Price.Minor < state.Target.Minor, "counter %s not below target %s", d.Price, state.Target)
}

func TestCurveAskDecreasesOverRounds(t *testing.T) {
	c := NewCurve(RiskFlexible)
	prev := int64(1 << 62)
	for round := 1; round <= 5; round++ {
		state := negotiatedState(t, "26.00", round)
		d, err := c.Decide(context.Background(), state)
		require.NoError(t, err)
		if d.Action != ActionCounter {
			// Late rounds of a flexible curve may concede to the offer.
			require.Equal(t, ActionAccept, d.Action)
			break
		}
		assert.Less(t, d.Price.Minor, prev, "round %d ask did not decrease", round)
		assert.GreaterOrEqual(t, d.Price.Minor, state.Minimum.Minor,
			"round %d ask below minimum", round)
		prev = d.Price.Minor
	}
}

func TestCurveAcceptsAtTarget(t *testing.T) {
	c := NewCurve(RiskFirm)
	d, err := c.Decide(context.Background(), negotiatedState(t, "50.00", 1))
	require.NoError(t, err)
	assert.Equal(t, ActionAccept, d.Action)
	assert.True(t, d.Price.Equal(usd(t, "50.00")))
}

func TestCurveNeverAcceptsBelowMinimum(t *testing.T) {
	c := NewCurve(RiskFlexible)
	for round := 1; round <= 5; round++ {
		d, err := c.Decide(context.Background(), negotiatedState(t, "20.00", round))
		require.NoError(t, err)
		assert.NotEqual(t, ActionAccept, d.Action, "accepted %s below minimum at round %d", "20.00", round)
	}
}

func TestCurveFirmConcedesLessThanFlexible(t *testing.T) {
	state := negotiatedState(t, "26.00", 3)
	firm, err := NewCurve(RiskFirm).Decide(context.Background(), state)
	require.NoError(t, err)
	flexible, err := NewCurve(RiskFlexible).Decide(context.Background(), state)
	require.NoError(t, err)
	require.Equal(t, ActionCounter, firm.Action)
	require.Equal(t, ActionCounter, flexible.Action)
	assert.Greater(t, firm.Price.Minor, flexible.Price.Minor)
}

func TestCurveUnknownProfileDefaultsBalanced(t *testing.T) {
	c := NewCurve("reckless")
	assert.Equal(t, RiskBalanced, c.Profile)
}

func TestCurveRejectsCurrencyMismatch(t *testing.T) {
	c := NewCurve(RiskBalanced)
	state := negotiatedState(t, "30.00", 1)
	state.Offer = money.MustParse("EUR", "30.00")
	_, err := c.Decide(context.Background(), state)
	assert.ErrorIs(t, err, money.ErrCurrencyMismatch)
}

func TestScheduleFollowsRounds(t *testing.T) {
	s, err := NewSchedule(usd(t, "50.00"), usd(t, "45.00"), usd(t, "40.00"))
	require.NoError(t, err)

	d, err := s.Decide(context.Background(), negotiatedState(t, "30.00", 2))
	require.NoError(t, err)
	require.Equal(t, ActionCounter, d.Action)
	assert.True(t, d.Price.Equal(usd(t, "45.00")))

	// Past the schedule it holds the final ask.
	d, err = s.Decide(context.Background(), negotiatedState(t, "30.00", 5))
	require.NoError(t, err)
	require.Equal(t, ActionCounter, d.Action)
	assert.True(t, d.Price.Equal(usd(t, "40.00")))

	d, err = s.Decide(context.Background(), negotiatedState(t, "41.00", 5))
	require.NoError(t, err)
	assert.Equal(t, ActionAccept, d.Action)
}

func TestScheduleRequiresPrices(t *testing.T) {
	_, err := NewSchedule()
	assert.Error(t, err)
}
