package symbol

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-engine/internal/errs"
)

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		in        string
		base      string
		quote     string
		settle    string
		future    bool
		perpetual bool
		option    bool
	}{
		{in: "BTC/USDT", base: "BTC", quote: "USDT"},
		{in: "BTC/USDT:USDT", base: "BTC", quote: "USDT", settle: "USDT", future: true, perpetual: true},
		{in: "BTC/USD:BTC-211225", base: "BTC", quote: "USD", settle: "BTC", future: true},
		{in: "ETH/USD:ETH-211225-4000-C", base: "ETH", quote: "USD", settle: "ETH", option: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			sym, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.in, sym.String())
			assert.Equal(t, tt.base, sym.Base)
			assert.Equal(t, tt.quote, sym.Quote)
			assert.Equal(t, tt.settle, sym.Settle)
			assert.Equal(t, tt.future, sym.IsFuture())
			assert.Equal(t, tt.perpetual, sym.IsPerpetual())
			assert.Equal(t, tt.option, sym.IsOption())
		})
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, in := range []string{"BTCUSDT", "/USDT", "BTC/", "BTC/USDT:", "BTC/USDT:USDT-1-2", "BTC/USD:BTC-1-2-X"} {
		_, err := Parse(in)
		assert.True(t, errors.Is(err, errs.InvalidArgument), in)
	}
}

func TestLinearInverse(t *testing.T) {
	linear := MustParse("BTC/USDT:USDT")
	inverse := MustParse("BTC/USD:BTC")
	assert.True(t, linear.IsLinear())
	assert.False(t, linear.IsInverse())
	assert.True(t, inverse.IsInverse())
	assert.Equal(t, "BTC", inverse.SettlementAsset())
	assert.Equal(t, "USDT", MustParse("ETH/USDT").SettlementAsset())
	assert.Equal(t, "BTC/USD", inverse.Pair())
}

func TestTimeFrames(t *testing.T) {
	tf, err := ParseTimeFrame("4h")
	require.NoError(t, err)
	assert.Equal(t, 4*time.Hour, tf.Duration())
	assert.True(t, OneMinute.FinerThan(tf))
	assert.True(t, OneWeek.CoarserThan(OneDay))

	_, err = ParseTimeFrame("7m")
	assert.Error(t, err)

	all := All()
	require.Len(t, all, 15)
	assert.Equal(t, OneMinute, all[0])
	assert.Equal(t, OneMonth, all[len(all)-1])

	finest, ok := Finest([]TimeFrame{OneDay, FifteenMinutes, OneHour})
	require.True(t, ok)
	assert.Equal(t, FifteenMinutes, finest)
}
