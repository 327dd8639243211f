package scoring

import (
	"math"
	"testing"
	"time"
)

func TestEmptyHitsIsZero(t *testing.T) {
	now := time.Now()
	s := Calculate("s1", Input{Now: now, ChainQuality: DefaultChainQuality})
	if s.Final != 0 {
		t.Errorf("Final = %v, want 0", s.Final)
	}
	if s.ChainQuality != DefaultChainQuality {
		t.Errorf("ChainQuality = %v, want placeholder %v", s.ChainQuality, DefaultChainQuality)
	}
	if s.Best != 0 || s.Avg != 0 || s.Ratio != 0 || s.Recency != 0 {
		t.Errorf("expected all other components zero, got %+v", s)
	}
}

func TestSingleHitNoTimestampNoKinds(t *testing.T) {
	now := time.Now()
	s := Calculate("s1", Input{
		Hits:         []float32{0.6},
		TotalChunks:  1,
		Now:          now,
		ChainQuality: DefaultChainQuality,
	})
	want := 0.40*0.6 + 0.20*0.6 + 0.05*1.0 + 0 + 0.10*DefaultChainQuality
	if math.Abs(s.Final-want) > 1e-9 {
		t.Errorf("Final = %v, want %v", s.Final, want)
	}
}

func TestScoringScenarioS2(t *testing.T) {
	now := time.Now()
	s := Calculate("s1", Input{
		Hits:         []float32{0.9, 0.8, 0.7},
		TotalChunks:  10,
		LastModified: now.Add(-time.Hour),
		Now:          now,
		ChainQuality: DefaultChainQuality,
	})
	want := 0.835
	if math.Abs(s.Final-want) > 0.01 {
		t.Errorf("Final = %v, want ~%v", s.Final, want)
	}
}

func TestScoringScenarioS3MemoryBoost(t *testing.T) {
	now := time.Now()
	s := Calculate("s1", Input{
		Hits:         []float32{0.9, 0.8, 0.7},
		TotalChunks:  10,
		LastModified: now.Add(-time.Hour),
		MemoryKinds:  map[MemoryKind]bool{WorkingSolution: true},
		Now:          now,
		ChainQuality: DefaultChainQuality,
	})
	want := 0.915
	if math.Abs(s.Final-want) > 0.01 {
		t.Errorf("Final = %v, want ~%v", s.Final, want)
	}
}

func TestRecencyMonotonicity(t *testing.T) {
	now := time.Now()
	r0 := calculateRecency(now, now)
	if math.Abs(r0-1) > 1e-9 {
		t.Errorf("recency(0) = %v, want 1", r0)
	}

	r30 := calculateRecency(now.Add(-30*24*time.Hour), now)
	if math.Abs(r30-math.Exp(-1)) > 0.01 {
		t.Errorf("recency(30d) = %v, want ~e^-1", r30)
	}

	r365 := calculateRecency(now.Add(-365*24*time.Hour), now)
	if r365 >= 0.01 {
		t.Errorf("recency(365d) = %v, want < 0.01", r365)
	}

	if !(r0 >= r30 && r30 >= r365) {
		t.Errorf("recency not non-increasing in age: r0=%v r30=%v r365=%v", r0, r30, r365)
	}
}

func TestMemoryBoostAdditivity(t *testing.T) {
	a := calculateBoost(map[MemoryKind]bool{Pattern: true})
	b := calculateBoost(map[MemoryKind]bool{WorkingSolution: true})
	both := calculateBoost(map[MemoryKind]bool{Pattern: true, WorkingSolution: true})
	if math.Abs((a+b)-both) > 1e-9 {
		t.Errorf("boost not additive: a=%v b=%v both=%v", a, b, both)
	}

	dup := calculateBoost(map[MemoryKind]bool{Pattern: true})
	if math.Abs(dup-a) > 1e-9 {
		t.Errorf("duplicate kind changed boost: %v vs %v", dup, a)
	}
}

func TestRankStableDescending(t *testing.T) {
	scores := []Score{
		{SessionID: "a", Final: 0.5},
		{SessionID: "b", Final: 0.9},
		{SessionID: "c", Final: 0.9},
		{SessionID: "d", Final: 0.1},
	}
	ranked := Rank(scores, 2)
	if len(ranked) != 2 {
		t.Fatalf("len = %d, want 2", len(ranked))
	}
	if ranked[0].SessionID != "b" || ranked[1].SessionID != "c" {
		t.Errorf("expected stable order [b,c], got [%s,%s]", ranked[0].SessionID, ranked[1].SessionID)
	}
}
