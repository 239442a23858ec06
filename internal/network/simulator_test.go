package network

import (
	"testing"

	"liquidity-oracle/internal/channel"
)

func newSim(t *testing.T) *Simulator {
	t.Helper()
	sim, err := NewSimulator(channel.DefaultCatalog())
	if err != nil {
		t.Fatalf("创建模拟器失败: %v", err)
	}
	return sim
}

func byID(statuses []ChannelStatus) map[string]ChannelStatus {
	out := make(map[string]ChannelStatus, len(statuses))
	for _, st := range statuses {
		out[st.ChannelID] = st
	}
	return out
}

func TestSimulateBands(t *testing.T) {
	sim := newSim(t)

	low := byID(sim.Simulate(2, false))
	for id, st := range low {
		if st.Status != channel.Online {
			t.Fatalf("%s should be online at LOW, got %s", id, st.Status)
		}
	}

	moderate := byID(sim.Simulate(3.9, false))
	if moderate[channel.Wire].Status != channel.Congested || moderate[channel.CashPickup].Status != channel.Congested {
		t.Fatalf("MODERATE 时传统渠道应拥堵: %+v", moderate)
	}
	if moderate[channel.Crypto].Status != channel.Online {
		t.Fatal("crypto 应保持在线")
	}

	high := byID(sim.Simulate(8, false))
	if high[channel.Wire].Status != channel.Offline {
		t.Fatalf("HIGH 时 wire 应离线, 实际 %s", high[channel.Wire].Status)
	}
	if high[channel.CashPickup].Status != channel.Restricted {
		t.Fatalf("HIGH 时 cash pickup 应受限, 实际 %s", high[channel.CashPickup].Status)
	}
}

func TestConflictZoneOverride(t *testing.T) {
	sim := newSim(t)
	got := byID(sim.Simulate(1, true))
	for _, id := range []string{channel.Wire, channel.CashPickup} {
		if got[id].Status < channel.Restricted || !got[id].ConflictOverride {
			t.Fatalf("%s must be forced to RESTRICTED in conflict zone: %+v", id, got[id])
		}
	}
	if got[channel.Crypto].Status != channel.Online || got[channel.MobileMoney].Status != channel.Online {
		t.Fatal("冲突地区覆盖只作用于传统渠道")
	}

	high := byID(sim.Simulate(9, true))
	if high[channel.Wire].Status != channel.Offline {
		t.Fatal("覆盖不应改善更差的状态")
	}
}

func TestNeverTotalLockoutAndMonotonic(t *testing.T) {
	sim := newSim(t)
	for _, conflict := range []bool{false, true} {
		prev := map[string]channel.Status{}
		for step := 0; step <= 100; step++ {
			score := float64(step) / 10
			statuses := sim.Simulate(score, conflict)
			online := false
			for _, st := range statuses {
				if st.Status == channel.Online {
					online = true
				}
				if before, ok := prev[st.ChannelID]; ok && st.Status < before {
					t.Fatalf("%s improved from %s to %s at %.1f", st.ChannelID, before, st.Status, score)
				}
				prev[st.ChannelID] = st.Status
			}
			if !online {
				t.Fatalf("评分 %.1f conflict=%v 时没有在线渠道", score, conflict)
			}
		}
	}
}
