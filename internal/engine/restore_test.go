package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"liquidity-oracle/internal/audit"
	"liquidity-oracle/internal/automation"
	"liquidity-oracle/internal/oracle"
	"liquidity-oracle/internal/risk"
)

// restart builds a fresh engine on the entries of a previous one, the way a
// new process loads a persisted log.
func restart(t *testing.T, entries []audit.Entry) *harness {
	t.Helper()
	h := newHarness(t, nil)
	if err := h.log.Restore(entries); err != nil {
		t.Fatalf("恢复审计链失败: %v", err)
	}
	diverged, err := h.engine.Restore(entries)
	if err != nil {
		t.Fatalf("恢复自动化状态失败: %v", err)
	}
	if diverged != 0 {
		t.Fatalf("同一配置下重放不应出现偏差，实际 %d", diverged)
	}
	return h
}

func TestRestoreKeepsArmedSwitch(t *testing.T) {
	ctx := context.Background()
	first := newHarness(t, nil)
	first.fetcher.set(8)

	if _, err := first.engine.Arm(ctx, time.Hour); err == nil {
		t.Fatal("非法间隔应被拒绝")
	}
	armed, err := first.engine.Arm(ctx, 4*time.Hour)
	if err != nil {
		t.Fatalf("启用开关失败: %v", err)
	}
	first.now = t0.Add(2 * time.Hour)
	if _, err := first.engine.CheckIn(ctx); err != nil {
		t.Fatalf("签到失败: %v", err)
	}
	if _, err := first.engine.Evaluate(ctx, EvaluateRequest{At: t0.Add(3 * time.Hour)}); err != nil {
		t.Fatalf("评估失败: %v", err)
	}

	second := restart(t, first.engine.AuditEntries(0, 0))
	state, ok := second.engine.DeadManState()
	if !ok {
		t.Fatal("重启后应恢复已启用的开关")
	}
	if state.ID != armed.ID || state.Status != automation.Armed || state.Interval != 4*time.Hour {
		t.Fatalf("恢复的开关状态异常: %+v", state)
	}
	if !state.LastCheckIn.Equal(t0.Add(2 * time.Hour)) {
		t.Fatalf("恢复的签到时间期望 %s，实际 %s", t0.Add(2*time.Hour), state.LastCheckIn)
	}
	if !second.engine.deps.Guardian.State().Above {
		t.Fatal("重启后监护人应记住已越过阈值")
	}

	second.fetcher.set(8)
	cycle, err := second.engine.Evaluate(ctx, EvaluateRequest{At: t0.Add(6 * time.Hour)})
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if cycle.Switch == nil || cycle.Switch.Event == nil || cycle.Switch.SwitchID != armed.ID {
		t.Fatalf("恢复后的开关到期应触发: %+v", cycle.Switch)
	}
	if got := second.notifier.kinds(); len(got) != 1 || got[0] != string(automation.EventTriggered) {
		t.Fatalf("持续高风险不应重复通知监护人，实际 %v", got)
	}
	if err := audit.Verify(second.engine.AuditEntries(0, 0)); err != nil {
		t.Fatalf("审计链校验失败: %v", err)
	}
}

func TestRestoreAllowsCheckInFromNewProcess(t *testing.T) {
	ctx := context.Background()
	first := newHarness(t, nil)
	if _, err := first.engine.Arm(ctx, 8*time.Hour); err != nil {
		t.Fatalf("启用开关失败: %v", err)
	}

	second := restart(t, first.engine.AuditEntries(0, 0))
	second.now = t0.Add(time.Hour)
	state, err := second.engine.CheckIn(ctx)
	if err != nil {
		t.Fatalf("重启后签到不应失败: %v", err)
	}
	if state.Status != automation.CheckedIn || state.Pending != 1 {
		t.Fatalf("签到后状态异常: %+v", state)
	}
}

func TestRestoreTriggeredSwitchStaysRetired(t *testing.T) {
	ctx := context.Background()
	first := newHarness(t, nil)
	first.fetcher.set(9)
	armed, err := first.engine.Arm(ctx, 4*time.Hour)
	if err != nil {
		t.Fatalf("启用开关失败: %v", err)
	}
	if _, err := first.engine.Evaluate(ctx, EvaluateRequest{At: t0.Add(4 * time.Hour)}); err != nil {
		t.Fatalf("评估失败: %v", err)
	}

	second := restart(t, first.engine.AuditEntries(0, 0))
	state, ok := second.engine.DeadManState()
	if !ok || state.ID != armed.ID || state.Status != automation.Triggered {
		t.Fatalf("已触发的开关重启后应保持触发状态: %+v", state)
	}
	if state.TriggeredAt == nil || !state.TriggeredAt.Equal(t0.Add(4*time.Hour)) {
		t.Fatalf("触发时间未恢复: %+v", state.TriggeredAt)
	}

	second.now = t0.Add(5 * time.Hour)
	next, err := second.engine.Arm(ctx, 4*time.Hour)
	if err != nil {
		t.Fatalf("已触发后应允许重新启用: %v", err)
	}
	if next.ID == armed.ID {
		t.Fatal("重新启用应生成新的开关实例")
	}
	if hist := second.deadman.History(); len(hist) != 1 || hist[0].ID != armed.ID {
		t.Fatalf("旧开关应进入历史记录: %+v", hist)
	}
}

func TestRestoreReportsDivergentLog(t *testing.T) {
	h := newHarness(t, nil)
	ranking := oracle.Ranking{}
	entries := []audit.Entry{
		{Seq: 1, Kind: audit.KindCommand, Outputs: audit.Outputs{Command: &audit.Command{Name: "rearm", At: t0}}},
	}
	if _, err := h.engine.Restore(entries); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("未知命令应报错，实际 %v", err)
	}

	h = newHarness(t, nil)
	ghost := audit.Entry{Seq: 1, Kind: audit.KindEvaluation, Inputs: audit.Inputs{EvaluatedAt: t0}}
	ghost.Outputs = audit.Outputs{
		Score:   &risk.Score{Value: 2},
		Ranking: &ranking,
		Switch:  &automation.Evaluation{SwitchID: "ghost", After: automation.Triggered},
	}
	entries = []audit.Entry{ghost}
	diverged, err := h.engine.Restore(entries)
	if err != nil {
		t.Fatalf("结果偏差不应中止恢复: %v", err)
	}
	if diverged != 1 {
		t.Fatalf("记录的开关结果与重放不一致时应计入偏差，实际 %d", diverged)
	}
}

func TestRestoreToleratesThresholdChange(t *testing.T) {
	ctx := context.Background()
	first := newHarness(t, nil)
	first.fetcher.set(8)
	if _, err := first.engine.Arm(ctx, 4*time.Hour); err != nil {
		t.Fatalf("启用开关失败: %v", err)
	}
	if _, err := first.engine.Evaluate(ctx, EvaluateRequest{At: t0.Add(4 * time.Hour)}); err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	first.now = t0.Add(5 * time.Hour)
	if _, err := first.engine.Arm(ctx, 4*time.Hour); err != nil {
		t.Fatalf("触发后重新启用失败: %v", err)
	}

	// The restarted process runs with a stricter action threshold.
	second := newHarness(t, nil)
	second.engine.deps.DeadMan = automation.NewDeadMan(automation.DeadManOptions{
		Intervals:       []time.Duration{4 * time.Hour},
		ActionThreshold: 9,
	})
	diverged, err := second.engine.Restore(first.engine.AuditEntries(0, 0))
	if err != nil {
		t.Fatalf("阈值变化不应中止恢复: %v", err)
	}
	if diverged != 2 {
		t.Fatalf("期望触发结果与后续启用各计一次偏差，实际 %d", diverged)
	}
	if state, ok := second.engine.DeadManState(); !ok || state.Status.Terminal() {
		t.Fatalf("偏差后仍应保留一个有效开关: %+v", state)
	}
}
