package fees

import (
	"math"
	"testing"
)

func TestKalshiFeeZeroOutsideRange(t *testing.T) {
	if f := KalshiFee(10, 0, false); f != 0 {
		t.Fatalf("expected 0 fee for price 0, got %v", f)
	}
	if f := KalshiFee(10, 100, false); f != 0 {
		t.Fatalf("expected 0 fee for price 100, got %v", f)
	}
	if f := KalshiFee(0, 50, false); f != 0 {
		t.Fatalf("expected 0 fee for 0 contracts, got %v", f)
	}
}

func TestKalshiFeeCapScalesWithContracts(t *testing.T) {
	// At p=0.5, p(1-p) is maximal (0.25), so taker fee = ceil(0.07*n*0.25) capped at 0.02*n.
	for _, n := range []int{1, 10, 100} {
		f := KalshiFee(n, 50, false)
		cap := 0.02 * float64(n)
		if f > cap+1e-9 {
			t.Fatalf("fee %v exceeds cap %v for n=%d", f, cap, n)
		}
	}
}

func TestKalshiFeeMakerCheaperThanTaker(t *testing.T) {
	taker := KalshiFee(50, 50, false)
	maker := KalshiFee(50, 50, true)
	if maker >= taker {
		t.Fatalf("expected maker fee (%v) < taker fee (%v)", maker, taker)
	}
}

func TestKalshiFeeBoundedQuantified(t *testing.T) {
	for _, p := range []int{1, 25, 50, 75, 99} {
		for _, maker := range []bool{true, false} {
			n := 37
			f := KalshiFee(n, p, maker)
			if f < 0 || f > 0.02*float64(n)+1e-9 {
				t.Fatalf("fee %v out of bounds for p=%d maker=%v", f, p, maker)
			}
		}
	}
}

func TestLegFeeUnknownExchange(t *testing.T) {
	if _, err := LegFee("nope", 1, 50, false); err == nil {
		t.Fatal("expected error for unknown exchange")
	}
}

func TestBestPriceAndDepthEmpty(t *testing.T) {
	_, _, ok := BestPriceAndDepth(nil)
	if ok {
		t.Fatal("expected ok=false for empty levels")
	}
}

func TestBestPriceAndDepthReturnsFirst(t *testing.T) {
	levels := []PriceLevel{{PriceCents: 42, Quantity: 10}, {PriceCents: 43, Quantity: 5}}
	price, depth, ok := BestPriceAndDepth(levels)
	if !ok || price != 42 || depth != 10 {
		t.Fatalf("unexpected result: price=%d depth=%d ok=%v", price, depth, ok)
	}
}

func TestDepthConcern(t *testing.T) {
	if w := DepthConcern(10, 20); w != "" {
		t.Fatalf("expected no concern, got %q", w)
	}
	if w := DepthConcern(20, 10); w == "" {
		t.Fatal("expected a depth concern when depth < quantity")
	}
}

func TestComputeArbEdgeBracket(t *testing.T) {
	// Buy YES A @42c x10, buy YES B @61c x10: sum=103c > 100c guaranteed cost.
	legs := []Leg{
		{Exchange: "kalshi", PriceCents: 42, Maker: true},
		{Exchange: "kalshi", PriceCents: 61, Maker: false},
	}
	res := ComputeArbEdge(legs, 10)
	if res.GrossEdgeUSD <= 0 {
		t.Fatalf("expected positive gross edge, got %v", res.GrossEdgeUSD)
	}
	if len(res.FeeBreakdown) != 2 {
		t.Fatalf("expected 2 fee breakdown entries, got %d", len(res.FeeBreakdown))
	}
	if res.NetEdgeUSD != round4(res.GrossEdgeUSD-res.TotalFeesUSD) {
		t.Fatalf("net edge inconsistent with gross - fees")
	}
}

func TestComputeArbEdgeEmpty(t *testing.T) {
	res := ComputeArbEdge(nil, 10)
	if res.GrossEdgeUSD != 0 || res.Profitable {
		t.Fatalf("expected zero-value result for empty legs, got %+v", res)
	}
}

func TestComputePnLZeroWithoutSettlements(t *testing.T) {
	legs := []SettledLeg{
		{Side: "yes", Action: "buy", FillPriceCents: 42, FillQuantity: 10},
		{Side: "yes", Action: "buy", FillPriceCents: 61, FillQuantity: 10},
	}
	if pnl := ComputePnL(legs, 0); pnl != 0 {
		t.Fatalf("expected 0 pnl with no settlements, got %v", pnl)
	}
}

func TestComputePnLDeterministic(t *testing.T) {
	legs := []SettledLeg{
		{Side: "yes", Action: "buy", FillPriceCents: 42, FillQuantity: 10, SettlementValue: 100, HasSettlement: true},
		{Side: "yes", Action: "buy", FillPriceCents: 61, FillQuantity: 10, SettlementValue: 0, HasSettlement: true},
	}
	got := ComputePnL(legs, 1.5)
	want := (100-42)*10/100.0 + (0-61)*10/100.0 - 1.5
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestComputePnLNoSide(t *testing.T) {
	legs := []SettledLeg{
		{Side: "no", Action: "buy", FillPriceCents: 30, FillQuantity: 5, SettlementValue: 0, HasSettlement: true},
	}
	got := ComputePnL(legs, 0)
	// effective settlement for "no" side when value=0 is 100-0=100
	want := (100 - 30) * 5 / 100.0
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("got %v want %v", got, want)
	}
}
