package seq

import "testing"

func TestAfterBeforeExclusive(t *testing.T) {
	cases := []Num{0, 1, 1000, 1 << 31, 0xFFFFFFFF, 0x7FFFFFFE}
	for _, a := range cases {
		for _, b := range cases {
			diff := int64(a) - int64(b)
			if diff >= 1<<31 || diff <= -(1<<31) {
				continue // ambiguous wrap distance, not exercised here
			}
			after := After(a, b)
			before := Before(a, b)
			eq := a == b
			count := 0
			for _, v := range []bool{after, before, eq} {
				if v {
					count++
				}
			}
			if count != 1 {
				t.Errorf("After/Before/== not exclusive for a=%d b=%d: after=%v before=%v eq=%v", a, b, after, before, eq)
			}
		}
	}
}

func TestWraparound(t *testing.T) {
	if !After(10, 0xFFFFFFF0) {
		t.Error("expected wraparound sequence to be After")
	}
	if !Before(0xFFFFFFF0, 10) {
		t.Error("expected wraparound sequence to be Before")
	}
}

func TestBetween(t *testing.T) {
	if !Between(5, 1, 10) {
		t.Error("5 should be between 1 and 10")
	}
	if Between(0, 1, 10) {
		t.Error("0 should not be between 1 and 10")
	}
}

func TestRangeIncludedAndOverlaps(t *testing.T) {
	if !RangeIncluded(2, 4, 1, 10) {
		t.Error("[2,4) should be included in [1,10)")
	}
	if RangeIncluded(0, 4, 1, 10) {
		t.Error("[0,4) should not be included in [1,10)")
	}
	if !Overlaps(0, 5, 4, 10) {
		t.Error("[0,5) and [4,10) should overlap")
	}
	if !Overlaps(0, 4, 4, 10) {
		t.Error("adjacent ranges sharing an endpoint are still Overlaps per the After/Before boundary convention")
	}
	if Overlaps(0, 3, 4, 10) {
		t.Error("[0,3) and [4,10) should not overlap")
	}
}
