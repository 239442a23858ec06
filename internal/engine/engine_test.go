package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"liquidity-oracle/internal/alerting"
	"liquidity-oracle/internal/audit"
	"liquidity-oracle/internal/automation"
	"liquidity-oracle/internal/channel"
	"liquidity-oracle/internal/geo"
	"liquidity-oracle/internal/network"
	"liquidity-oracle/internal/oracle"
	"liquidity-oracle/internal/payout"
	"liquidity-oracle/internal/risk"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	mu       sync.Mutex
	severity float64
}

func (f *fakeFetcher) set(v float64) {
	f.mu.Lock()
	f.severity = v
	f.mu.Unlock()
}

func (f *fakeFetcher) FetchAll(ctx context.Context) []risk.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]risk.Signal, 0, len(risk.Categories))
	for _, c := range risk.Categories {
		out = append(out, risk.Signal{Category: c, Severity: f.severity, ObservedAt: t0, Source: "static"})
	}
	return out
}

type fakeLocator struct {
	loc geo.Location
	err error
}

func (f *fakeLocator) Locate(ctx context.Context) (geo.Location, error) {
	if f.err != nil {
		return geo.Location{}, f.err
	}
	return f.loc, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
	err   error
}

func (f *fakeNotifier) Notify(ctx context.Context, note alerting.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, note)
	return f.err
}

func (f *fakeNotifier) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.notes))
	for _, n := range f.notes {
		out = append(out, string(n.Kind))
	}
	return out
}

type fakeLocker struct {
	acquired bool
	calls    int
	unlocked int
}

func (f *fakeLocker) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	f.calls++
	if !f.acquired {
		return nil, false, nil
	}
	return func() { f.unlocked++ }, true, nil
}

func newTestPipeline(t *testing.T, sim *network.Simulator) *Pipeline {
	t.Helper()
	fuser, err := risk.NewFuser(risk.DefaultWeights())
	if err != nil {
		t.Fatalf("创建融合器失败: %v", err)
	}
	if sim == nil {
		sim, err = network.NewSimulator(channel.DefaultCatalog())
		if err != nil {
			t.Fatalf("创建网络模拟器失败: %v", err)
		}
	}
	o, err := oracle.New(channel.DefaultCatalog(), oracle.DefaultRegimes())
	if err != nil {
		t.Fatalf("创建预言机失败: %v", err)
	}
	return NewPipeline(fuser, sim, o)
}

type harness struct {
	engine   *Engine
	fetcher  *fakeFetcher
	locator  *fakeLocator
	notifier *fakeNotifier
	log      *audit.Log
	deadman  *automation.DeadMan
	now      time.Time
}

func newHarness(t *testing.T, sim *network.Simulator) *harness {
	t.Helper()
	guardian, err := automation.NewWatcher([]string{"+15550100"}, 7)
	if err != nil {
		t.Fatalf("创建监护人失败: %v", err)
	}
	h := &harness{
		fetcher:  &fakeFetcher{severity: 2},
		locator:  &fakeLocator{loc: geo.Location{City: "Kyiv", Country: "Ukraine"}},
		notifier: &fakeNotifier{},
		log:      audit.NewLog(nil),
		deadman: automation.NewDeadMan(automation.DeadManOptions{
			Intervals:       []time.Duration{4 * time.Hour, 8 * time.Hour},
			ActionThreshold: 7,
		}),
		now: t0,
	}
	h.engine, err = New(Deps{
		Fetcher:  h.fetcher,
		Pipeline: newTestPipeline(t, sim),
		Locator:  h.locator,
		DeadMan:  h.deadman,
		Guardian: guardian,
		Log:      h.log,
		Notifier: h.notifier,
		Now:      func() time.Time { return h.now },
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("创建引擎失败: %v", err)
	}
	return h
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Fatal("缺少依赖时应报错")
	}
}

func TestEvaluateRecordsCycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, ok := h.engine.Latest(); ok {
		t.Fatal("首次评估前不应存在结果")
	}
	cycle, err := h.engine.Evaluate(ctx, EvaluateRequest{At: t0})
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if cycle.Number != 1 || cycle.Trigger != TriggerManual {
		t.Fatalf("周期元数据异常: %+v", cycle)
	}
	if cycle.Score.Value != 2 {
		t.Fatalf("期望综合风险 2，实际 %v", cycle.Score.Value)
	}
	if !cycle.Ranking.Viable() || cycle.Critical != "" {
		t.Fatalf("低风险下应存在可用通道: %+v", cycle.Ranking)
	}
	if cycle.Location.City != "Kyiv" {
		t.Fatalf("位置未记录: %+v", cycle.Location)
	}
	latest, ok := h.engine.Latest()
	if !ok || latest != cycle {
		t.Fatal("最新周期未更新")
	}

	entries := h.engine.AuditEntries(0, 0)
	if len(entries) != 1 || entries[0].Kind != audit.KindEvaluation {
		t.Fatalf("期望一条评估审计记录，实际: %+v", entries)
	}
	if len(cycle.AuditSeq) != 1 || cycle.AuditSeq[0] != entries[0].Seq {
		t.Fatalf("审计序号未回填: %v", cycle.AuditSeq)
	}
	if err := audit.Verify(entries); err != nil {
		t.Fatalf("审计链校验失败: %v", err)
	}

	second, err := h.engine.Evaluate(ctx, EvaluateRequest{At: t0.Add(time.Minute), Trigger: TriggerTick})
	if err != nil {
		t.Fatalf("第二次评估失败: %v", err)
	}
	if second.Number != 2 {
		t.Fatalf("周期编号应递增，实际 %d", second.Number)
	}

	mismatches, checked, err := h.engine.deps.Pipeline.Replay(h.engine.AuditEntries(0, 0))
	if err != nil {
		t.Fatalf("重放失败: %v", err)
	}
	if checked != 2 || len(mismatches) != 0 {
		t.Fatalf("重放结果异常: checked=%d mismatches=%v", checked, mismatches)
	}
}

func TestEvaluateOverride(t *testing.T) {
	h := newHarness(t, nil)
	override := 9.0
	cycle, err := h.engine.Evaluate(context.Background(), EvaluateRequest{At: t0, OverrideRisk: &override})
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if cycle.Score.Value != 9 || !cycle.Score.Overridden {
		t.Fatalf("人工覆盖未生效: %+v", cycle.Score)
	}
	if cycle.Ranking.Regime != oracle.Crisis {
		t.Fatalf("高风险应切换到危机模式，实际 %s", cycle.Ranking.Regime)
	}
	entries := h.engine.AuditEntries(0, 0)
	if entries[0].Inputs.OverrideRisk == nil || *entries[0].Inputs.OverrideRisk != 9 {
		t.Fatal("覆盖值应写入审计输入")
	}
}

func TestDeadManTriggersOnSchedule(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.fetcher.set(8)

	if _, err := h.engine.Arm(ctx, 4*time.Hour); err != nil {
		t.Fatalf("启用开关失败: %v", err)
	}

	c1, err := h.engine.Evaluate(ctx, EvaluateRequest{At: t0.Add(3*time.Hour + 59*time.Minute)})
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if c1.Switch == nil || c1.Switch.Event != nil {
		t.Fatalf("未到期不应触发: %+v", c1.Switch)
	}
	if got := h.notifier.kinds(); len(got) != 1 || got[0] != string(automation.EventGuardianNotified) {
		t.Fatalf("首次越过阈值应通知监护人，实际 %v", got)
	}

	c2, err := h.engine.Evaluate(ctx, EvaluateRequest{At: t0.Add(4 * time.Hour)})
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if c2.Switch == nil || c2.Switch.Event == nil {
		t.Fatal("到期且风险超阈值时应触发")
	}
	if c2.Switch.Event.Channel == nil || c2.Switch.Event.Channel.ChannelID != c2.Ranking.Recommendations[0].ChannelID {
		t.Fatalf("触发事件应携带首选通道: %+v", c2.Switch.Event)
	}
	got := h.notifier.kinds()
	if len(got) != 2 || got[1] != string(automation.EventTriggered) {
		t.Fatalf("触发后应发送通知，实际 %v", got)
	}

	state, ok := h.engine.DeadManState()
	if !ok || state.Status != automation.Triggered {
		t.Fatalf("开关应处于已触发状态: %+v", state)
	}

	var kinds []audit.Kind
	for _, e := range h.engine.AuditEntries(0, 0) {
		kinds = append(kinds, e.Kind)
	}
	want := []audit.Kind{
		audit.KindCommand,
		audit.KindEvaluation, audit.KindAutomation,
		audit.KindEvaluation, audit.KindAutomation,
	}
	if len(kinds) != len(want) {
		t.Fatalf("审计记录数量异常: %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("第 %d 条审计记录类型期望 %s，实际 %s", i, want[i], kinds[i])
		}
	}
	if err := audit.Verify(h.engine.AuditEntries(0, 0)); err != nil {
		t.Fatalf("审计链校验失败: %v", err)
	}
}

func TestCheckInResetsClock(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.fetcher.set(8)

	if _, err := h.engine.Arm(ctx, 4*time.Hour); err != nil {
		t.Fatalf("启用开关失败: %v", err)
	}
	h.now = t0.Add(2 * time.Hour)
	if _, err := h.engine.CheckIn(ctx); err != nil {
		t.Fatalf("签到失败: %v", err)
	}
	cycle, err := h.engine.Evaluate(ctx, EvaluateRequest{At: t0.Add(4 * time.Hour)})
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if cycle.Switch == nil || cycle.Switch.Event != nil || cycle.Switch.AppliedCheckIns != 1 {
		t.Fatalf("签到后不应触发: %+v", cycle.Switch)
	}
}

func TestCommandsWithoutSwitch(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.engine.CheckIn(ctx); !errors.Is(err, automation.ErrNotArmed) {
		t.Fatalf("未启用时签到应返回 ErrNotArmed，实际 %v", err)
	}
	if _, err := h.engine.Arm(ctx, time.Hour); !errors.Is(err, automation.ErrInvalidInterval) {
		t.Fatalf("非法间隔应被拒绝，实际 %v", err)
	}
	entries := h.engine.AuditEntries(0, 0)
	if len(entries) != 2 {
		t.Fatalf("失败的命令也应记录审计，实际 %d 条", len(entries))
	}
	if entries[0].Outputs.Command == nil || entries[0].Outputs.Command.Error == "" {
		t.Fatalf("审计记录应包含错误信息: %+v", entries[0].Outputs.Command)
	}
}

func TestNoViableChannelCycle(t *testing.T) {
	h := newHarness(t, &network.Simulator{})
	ctx := context.Background()

	cycle, err := h.engine.Evaluate(ctx, EvaluateRequest{At: t0})
	if !errors.Is(err, oracle.ErrNoViableChannel) {
		t.Fatalf("期望 ErrNoViableChannel，实际 %v", err)
	}
	if cycle == nil || cycle.Critical != audit.CriticalNoViableChannel {
		t.Fatalf("周期应标记为严重: %+v", cycle)
	}
	if _, ok := h.engine.Latest(); !ok {
		t.Fatal("无可用通道时仍应发布周期结果")
	}
	if err := h.engine.ProcessTick(ctx, t0.Add(time.Minute)); err != nil {
		t.Fatalf("调度周期不应因无可用通道失败: %v", err)
	}

	count := 0
	for _, k := range h.notifier.kinds() {
		if k == string(automation.EventNoViableChannel) {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("无可用通道通知只应在进入该状态时发送一次，实际 %d", count)
	}
	for _, note := range h.notifier.notes {
		if note.Kind == string(automation.EventNoViableChannel) && note.Critical != audit.CriticalNoViableChannel {
			t.Fatalf("通知应标记严重级别: %+v", note)
		}
	}
}

func TestNotifierFailureDoesNotAbort(t *testing.T) {
	h := newHarness(t, nil)
	h.notifier.err = errors.New("telegram down")
	h.fetcher.set(9)

	cycle, err := h.engine.Evaluate(context.Background(), EvaluateRequest{At: t0})
	if err != nil {
		t.Fatalf("通知失败不应影响评估: %v", err)
	}
	if len(cycle.Events) != 1 {
		t.Fatalf("期望一个监护人事件，实际 %d", len(cycle.Events))
	}
	if h.log.Len() != 2 {
		t.Fatalf("事件仍应写入审计，实际 %d 条", h.log.Len())
	}
}

func TestLocateFallsBackToLastLocation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.engine.Evaluate(ctx, EvaluateRequest{At: t0}); err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	h.locator.err = errors.New("geocoder unavailable")
	cycle, err := h.engine.Evaluate(ctx, EvaluateRequest{At: t0.Add(time.Minute)})
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if cycle.Location.City != "Kyiv" {
		t.Fatalf("定位失败时应沿用上次位置，实际 %+v", cycle.Location)
	}
}

func TestProcessTickAdvisoryLock(t *testing.T) {
	h := newHarness(t, nil)
	locker := &fakeLocker{}
	h.engine.deps.Locker = locker
	h.engine.deps.LockKey = 42

	if err := h.engine.ProcessTick(context.Background(), t0); err != nil {
		t.Fatalf("未获取锁时不应报错: %v", err)
	}
	if _, ok := h.engine.Latest(); ok {
		t.Fatal("未获取锁时不应执行评估")
	}

	locker.acquired = true
	if err := h.engine.ProcessTick(context.Background(), t0); err != nil {
		t.Fatalf("调度周期失败: %v", err)
	}
	latest, ok := h.engine.Latest()
	if !ok || latest.Trigger != TriggerTick {
		t.Fatal("获取锁后应执行评估")
	}
	if locker.calls != 2 || locker.unlocked != 1 {
		t.Fatalf("锁调用异常: calls=%d unlocked=%d", locker.calls, locker.unlocked)
	}
}

func TestRecordPayout(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	conf := payout.Confirmation{TxID: "tx-1", ChannelID: channel.Crypto, Currency: "USD", InitiatedAt: t0}

	if _, err := h.engine.RecordPayout(ctx, conf); !errors.Is(err, ErrNotEvaluated) {
		t.Fatalf("首次评估前应返回 ErrNotEvaluated，实际 %v", err)
	}
	if _, err := h.engine.Evaluate(ctx, EvaluateRequest{At: t0}); err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	bad := conf
	bad.ChannelID = "carrier-pigeon"
	if _, err := h.engine.RecordPayout(ctx, bad); !errors.Is(err, ErrChannelNotViable) {
		t.Fatalf("未知通道应被拒绝，实际 %v", err)
	}
	entry, err := h.engine.RecordPayout(ctx, conf)
	if err != nil {
		t.Fatalf("记录付款失败: %v", err)
	}
	if entry.Kind != audit.KindPayout || entry.Outputs.Payout == nil || entry.Outputs.Payout.TxID != "tx-1" {
		t.Fatalf("付款审计记录异常: %+v", entry)
	}
	if entry.Cycle != 1 {
		t.Fatalf("付款应关联最新周期，实际 %d", entry.Cycle)
	}
}
