package risk

import (
	"math"
	"testing"
	"time"
)

var fixedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sig(c Category, severity float64) Signal {
	return Signal{Category: c, Severity: severity, ObservedAt: fixedAt}
}

func mustFuser(t *testing.T) *Fuser {
	t.Helper()
	f, err := NewFuser(DefaultWeights())
	if err != nil {
		t.Fatalf("默认权重被拒绝: %v", err)
	}
	return f
}

func TestFuseBaseWeights(t *testing.T) {
	f := mustFuser(t)
	score := f.Fuse([]Signal{
		sig(Political, 2),
		sig(Natural, 7),
		sig(Security, 3),
		sig(Infrastructure, 4),
	}, fixedAt)

	if math.Abs(score.Value-3.9) > 1e-9 {
		t.Fatalf("期望 3.9, 实际 %v", score.Value)
	}
	if score.Band() != BandModerate {
		t.Fatalf("等级应为 MODERATE, 实际 %s", score.Band())
	}
	if score.Degraded {
		t.Fatal("输入全部新鲜时不应降级")
	}
	dom, ok := score.Dominant()
	if !ok || dom.Category != Natural {
		t.Fatalf("主导类别应为 natural, 实际 %+v", dom)
	}
}

func TestFuseRedistributesUnavailable(t *testing.T) {
	f := mustFuser(t)
	score := f.Fuse([]Signal{
		sig(Political, 5),
		{Category: Natural, Unavailable: true, ObservedAt: fixedAt},
		sig(Security, 5),
		sig(Infrastructure, 5),
	}, fixedAt)

	if !score.Degraded {
		t.Fatal("类别不可用时评分应标记为降级")
	}
	if math.Abs(score.Value-5) > 1e-9 {
		t.Fatalf("严重度一致时重新分配后结果应不变, 实际 %v", score.Value)
	}
	sum := 0.0
	for _, c := range score.Breakdown {
		sum += c.EffectiveWeight
		if c.Category == Natural && c.EffectiveWeight != 0 {
			t.Fatalf("不可用类别仍保留权重 %v", c.EffectiveWeight)
		}
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("有效权重之和应为 1, 实际 %v", sum)
	}
	if pol := score.Breakdown[0]; math.Abs(pol.EffectiveWeight-0.4/0.7) > 1e-12 {
		t.Fatalf("political 权重未按比例重新分配: %v", pol.EffectiveWeight)
	}
}

func TestFuseMissingCategoryCountsAsUnavailable(t *testing.T) {
	f := mustFuser(t)
	score := f.Fuse([]Signal{sig(Political, 10)}, fixedAt)
	if !score.Degraded {
		t.Fatal("缺失类别时评分应降级")
	}
	if math.Abs(score.Value-10) > 1e-9 {
		t.Fatalf("唯一可用类别应承担全部权重, 实际 %v", score.Value)
	}
}

func TestFuseStaleKeepsFullWeight(t *testing.T) {
	f := mustFuser(t)
	stale := sig(Political, 2)
	stale.Stale = true
	score := f.Fuse([]Signal{stale, sig(Natural, 7), sig(Security, 3), sig(Infrastructure, 4)}, fixedAt)
	if !score.Degraded {
		t.Fatal("类别过期时评分应标记为降级")
	}
	if math.Abs(score.Value-3.9) > 1e-9 {
		t.Fatalf("过期数值应按完整权重使用, 实际 %v", score.Value)
	}
}

func TestFuseAllUnavailable(t *testing.T) {
	f := mustFuser(t)
	score := f.Fuse(nil, fixedAt)
	if score.Value != 0 || !score.Degraded {
		t.Fatalf("应返回降级的零分, 实际 %+v", score)
	}
	if _, ok := score.Dominant(); ok {
		t.Fatal("没有输入时不应有主导类别")
	}
}

func TestFuseIdempotent(t *testing.T) {
	f := mustFuser(t)
	in := []Signal{sig(Political, 6.3), sig(Natural, 1.1), sig(Security, 9.7), sig(Infrastructure, 0.2)}
	a := f.Fuse(in, fixedAt)
	for i := 0; i < 50; i++ {
		b := f.Fuse(in, fixedAt)
		if a.Value != b.Value || a.Degraded != b.Degraded {
			t.Fatalf("融合结果不幂等: %v vs %v", a.Value, b.Value)
		}
	}
}

func TestFuseClampsSeverity(t *testing.T) {
	f := mustFuser(t)
	score := f.Fuse([]Signal{sig(Political, 42), sig(Natural, 42), sig(Security, 42), sig(Infrastructure, 42)}, fixedAt)
	if score.Value != MaxSeverity {
		t.Fatalf("应钳制为 %v, 实际 %v", MaxSeverity, score.Value)
	}
}

func TestWithOverride(t *testing.T) {
	f := mustFuser(t)
	base := f.Fuse([]Signal{sig(Political, 2), sig(Natural, 7), sig(Security, 3), sig(Infrastructure, 4)}, fixedAt)
	forced := base.WithOverride(8)
	if forced.Value != 8 || !forced.Overridden || forced.Band() != BandHigh {
		t.Fatalf("人工覆盖结果不正确: %+v", forced)
	}
	if base.Overridden || base.Value == 8 {
		t.Fatal("人工覆盖不应修改原评分")
	}
	if math.Abs(forced.Fused-3.9) > 1e-9 {
		t.Fatalf("应保留融合值, 实际 %v", forced.Fused)
	}
}

func TestBandBoundaries(t *testing.T) {
	cases := []struct {
		v    float64
		want Band
	}{
		{0, BandLow},
		{3, BandLow},
		{3.0001, BandModerate},
		{6, BandModerate},
		{6.0001, BandHigh},
		{10, BandHigh},
	}
	for _, tc := range cases {
		if got := BandFor(tc.v); got != tc.want {
			t.Fatalf("BandFor(%v) = %s, 期望 %s", tc.v, got, tc.want)
		}
	}
}
