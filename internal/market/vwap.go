package market

import "aster-hunter/pkg/types"

// VWAP computes the volume-weighted average price over a kline window
// using the typical price (H+L+C)/3 per candle. Returns 0 when the
// window carries no volume.
func VWAP(klines []types.Kline) float64 {
	var pv, vol float64
	for _, k := range klines {
		typical := (k.High + k.Low + k.Close) / 3
		pv += typical * k.Volume
		vol += k.Volume
	}
	if vol == 0 {
		return 0
	}
	return pv / vol
}

// VWAPAllows gates an entry against the rolling VWAP. A LONG entry is
// rejected when the price has collapsed more than bandPct below VWAP
// (catching a falling knife); a SHORT entry when the price has spiked
// more than bandPct above (shorting into a squeeze). Price on the
// favorable side of VWAP always passes. A zero VWAP (no data) allows the
// entry rather than blocking all trading on a data gap.
func VWAPAllows(direction types.PositionSide, price, vwap, bandPct float64) bool {
	if vwap <= 0 || price <= 0 {
		return true
	}
	band := vwap * bandPct / 100
	switch direction {
	case types.PositionLong:
		return price >= vwap-band
	case types.PositionShort:
		return price <= vwap+band
	}
	return true
}
