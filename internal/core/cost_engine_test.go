package core_test

import (
	"testing"
	"time"

	"inventory-core/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func layer(id int64, at time.Time, qty int64, cost string) core.CostLayer {
	return core.CostLayer{
		ID: id, ProductID: "P1", WarehouseID: "W1",
		ReceivedAt: at, OriginalQty: qty, RemainingQty: qty, UnitCost: dec(cost),
	}
}

func sliceIDs(c core.Consumption) []int64 {
	ids := make([]int64, 0, len(c.Slices))
	for _, s := range c.Slices {
		ids = append(ids, s.LayerID)
	}
	return ids
}

func TestPlanConsumption_FIFO(t *testing.T) {
	layers := []core.CostLayer{
		layer(2, t0.Add(time.Hour), 50, "12"),
		layer(1, t0, 100, "10"),
	}
	c, err := core.PlanConsumption(layers, core.MethodFIFO, 120, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, sliceIDs(c))
	assert.True(t, dec("1240").Equal(c.TotalCost), "got %s", c.TotalCost)
	assert.Equal(t, int64(20), c.Slices[1].Qty)
}

func TestPlanConsumption_LIFO(t *testing.T) {
	layers := []core.CostLayer{
		layer(1, t0, 100, "10"),
		layer(2, t0.Add(time.Hour), 50, "12"),
	}
	c, err := core.PlanConsumption(layers, core.MethodLIFO, 60, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1}, sliceIDs(c))
	assert.True(t, dec("700").Equal(c.TotalCost), "got %s", c.TotalCost)
}

func TestPlanConsumption_TieBreakOnEqualTimestamps(t *testing.T) {
	layers := []core.CostLayer{
		layer(7, t0, 5, "3"),
		layer(4, t0, 5, "1"),
		layer(9, t0, 5, "2"),
	}

	fifo, err := core.PlanConsumption(layers, core.MethodFIFO, 6, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 7}, sliceIDs(fifo))

	lifo, err := core.PlanConsumption(layers, core.MethodLIFO, 6, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, []int64{9, 7}, sliceIDs(lifo))
}

func TestPlanConsumption_AverageChargesWAC(t *testing.T) {
	layers := []core.CostLayer{
		layer(1, t0, 10, "10"),
		layer(2, t0.Add(time.Minute), 10, "20"),
	}
	c, err := core.PlanConsumption(layers, core.MethodAverage, 12, dec("15"))
	require.NoError(t, err)
	assert.True(t, dec("180").Equal(c.TotalCost), "got %s", c.TotalCost)
	assert.True(t, dec("15").Equal(c.UnitCost))
	// Bookkeeping still drains the oldest layer first.
	assert.Equal(t, []int64{1, 2}, sliceIDs(c))

	left := core.ApplyConsumption(layers, c)
	qty, _ := core.LayerValuation(left)
	assert.Equal(t, int64(8), qty)
	assert.True(t, dec("15").Equal(core.WeightedAverageAfterConsumption(layers, c, dec("15"))))
}

func TestPlanConsumption_InsufficientLayers(t *testing.T) {
	layers := []core.CostLayer{layer(1, t0, 3, "1")}
	_, err := core.PlanConsumption(layers, core.MethodFIFO, 4, decimal.Zero)
	require.ErrorIs(t, err, core.ErrInsufficientLayers)
	assert.Equal(t, core.KindConsistency, core.KindOf(err))
}

func TestPlanConsumption_RejectsBadInput(t *testing.T) {
	layers := []core.CostLayer{layer(1, t0, 3, "1")}
	_, err := core.PlanConsumption(layers, core.CostingMethod("HIFO"), 1, decimal.Zero)
	assert.ErrorIs(t, err, core.ErrUnknownMethod)
	_, err = core.PlanConsumption(layers, core.MethodFIFO, 0, decimal.Zero)
	assert.ErrorIs(t, err, core.ErrInvalidQuantity)
}

func TestWeightedAverageAfterReceipt(t *testing.T) {
	got := core.WeightedAverageAfterReceipt(100, dec("10"), 50, dec("600"))
	assert.True(t, dec("10.666667").Equal(got), "got %s", got)

	fromEmpty := core.WeightedAverageAfterReceipt(0, decimal.Zero, 4, dec("10"))
	assert.True(t, dec("2.5").Equal(fromEmpty))
}

func TestWeightedAverageAfterConsumption_FIFOReDerives(t *testing.T) {
	layers := []core.CostLayer{
		layer(1, t0, 100, "10"),
		layer(2, t0.Add(time.Hour), 50, "12"),
	}
	c, err := core.PlanConsumption(layers, core.MethodFIFO, 120, dec("10.666667"))
	require.NoError(t, err)
	assert.True(t, dec("12").Equal(core.WeightedAverageAfterConsumption(layers, c, dec("10.666667"))))

	all, err := core.PlanConsumption(layers, core.MethodFIFO, 150, dec("10.666667"))
	require.NoError(t, err)
	assert.True(t, dec("10.666667").Equal(core.WeightedAverageAfterConsumption(layers, all, dec("10.666667"))),
		"an emptied row keeps its last average")
}

// FIFO never draws a layer while an older one still has stock left, LIFO the reverse,
// and every plan covers exactly the requested quantity.
func TestPlanConsumption_OrderingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "layers")
		layers := make([]core.CostLayer, 0, n)
		var total int64
		for i := 0; i < n; i++ {
			qty := int64(rapid.IntRange(1, 20).Draw(t, "qty"))
			offset := time.Duration(rapid.IntRange(0, 3).Draw(t, "offset")) * time.Minute
			cents := int64(rapid.IntRange(0, 10000).Draw(t, "cents"))
			l := layer(int64(i+1), t0.Add(offset), qty, decimal.New(cents, -2).String())
			layers = append(layers, l)
			total += qty
		}
		method := rapid.SampledFrom([]core.CostingMethod{core.MethodFIFO, core.MethodLIFO}).Draw(t, "method")
		want := int64(rapid.IntRange(1, int(total)).Draw(t, "want"))

		c, err := core.PlanConsumption(layers, method, want, decimal.Zero)
		if err != nil {
			t.Fatalf("plan: %v", err)
		}

		var got int64
		for _, s := range c.Slices {
			got += s.Qty
		}
		if got != want {
			t.Fatalf("slices cover %d, want %d", got, want)
		}

		ordered := append([]core.CostLayer(nil), layers...)
		core.SortLayers(ordered)
		if method == core.MethodLIFO {
			for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
		left := core.ApplyConsumption(layers, c)
		remaining := make(map[int64]int64)
		for _, l := range left {
			remaining[l.ID] = l.RemainingQty
		}
		// Once a layer with stock left is seen, no later layer in draw order may be touched.
		sawRemainder := false
		for _, l := range ordered {
			touched := remaining[l.ID] != l.RemainingQty
			if sawRemainder && touched {
				t.Fatalf("%s drew layer %d while an earlier layer still had stock", method, l.ID)
			}
			if remaining[l.ID] > 0 {
				sawRemainder = true
			}
		}
	})
}
