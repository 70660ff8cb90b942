package projection_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronicleworks/chronicle/projection"
)

func TestShadowReceivesNothingUntilDualWrite(t *testing.T) {
	r := projection.NewRouter()
	r.SetLive("balances", "live")

	assert.Equal(t, []projection.Target{"live"}, r.Destinations("balances"))

	require.NoError(t, r.AttachShadow("balances", "shadow"))
	assert.Equal(t, []projection.Target{"live"}, r.Destinations("balances"))

	require.NoError(t, r.EnableDualWrite("balances"))
	assert.Equal(t, []projection.Target{"live", "shadow"}, r.Destinations("balances"))
}

func TestSwapPromotesShadowAndEndsDualWrite(t *testing.T) {
	r := projection.NewRouter()
	r.SetLive("balances", "live")
	require.NoError(t, r.AttachShadow("balances", "shadow"))
	require.NoError(t, r.EnableDualWrite("balances"))

	retired, err := r.Swap("balances")
	require.NoError(t, err)
	assert.Equal(t, "live", retired)

	live, ok := r.Live("balances")
	require.True(t, ok)
	assert.Equal(t, "shadow", live)

	_, ok = r.Shadow("balances")
	assert.False(t, ok)
	assert.Equal(t, []projection.Target{"shadow"}, r.Destinations("balances"))
}

func TestSwapRequiresShadow(t *testing.T) {
	r := projection.NewRouter()
	r.SetLive("balances", "live")

	_, err := r.Swap("balances")
	assert.Error(t, err)

	err = r.EnableDualWrite("balances")
	assert.Error(t, err)
}

func TestSwapAllIsAllOrNothing(t *testing.T) {
	r := projection.NewRouter()
	r.SetLive("balances", "balances-live")
	r.SetLive("totals", "totals-live")
	require.NoError(t, r.AttachShadow("balances", "balances-shadow"))

	// totals has no shadow, so nothing may move
	_, err := r.SwapAll([]string{"balances", "totals"})
	require.Error(t, err)
	live, _ := r.Live("balances")
	assert.Equal(t, "balances-live", live)

	require.NoError(t, r.AttachShadow("totals", "totals-shadow"))
	retired, err := r.SwapAll([]string{"balances", "totals"})
	require.NoError(t, err)
	assert.Equal(t, []projection.Target{"balances-live", "totals-live"}, retired)

	live, _ = r.Live("totals")
	assert.Equal(t, "totals-shadow", live)
}

func TestDetachShadowLeavesLiveIntact(t *testing.T) {
	r := projection.NewRouter()
	r.SetLive("balances", "live")
	require.NoError(t, r.AttachShadow("balances", "shadow"))
	require.NoError(t, r.EnableDualWrite("balances"))

	r.DetachShadow("balances")

	live, ok := r.Live("balances")
	require.True(t, ok)
	assert.Equal(t, "live", live)
	assert.Equal(t, []projection.Target{"live"}, r.Destinations("balances"))
}
