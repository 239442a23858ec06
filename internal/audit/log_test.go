package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"liquidity-oracle/internal/risk"
)

type recordingSink struct {
	entries []Entry
	fail    bool
}

func (s *recordingSink) Append(_ context.Context, e Entry) error {
	if s.fail {
		return errors.New("sink down")
	}
	s.entries = append(s.entries, e)
	return nil
}

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func evaluation(cycle uint64, at time.Time, value float64) Entry {
	score := risk.Score{Value: value, Fused: value, ComputedAt: at}
	return Entry{
		Cycle:     cycle,
		Timestamp: at,
		Kind:      KindEvaluation,
		Inputs:    Inputs{EvaluatedAt: at, Signals: []risk.Signal{{Category: risk.Natural, Severity: value, ObservedAt: at}}},
		Outputs:   Outputs{Score: &score},
	}
}

func TestAppendChainsEntries(t *testing.T) {
	log := NewLog(nil)
	ctx := context.Background()

	first, err := log.Append(ctx, evaluation(1, base, 3.9))
	if err != nil {
		t.Fatalf("追加第一条失败: %v", err)
	}
	if first.Seq != 1 || first.PrevHash != "" || first.Hash == "" {
		t.Fatalf("第一条记录不正确: %+v", first)
	}
	second, err := log.Append(ctx, evaluation(2, base.Add(time.Minute), 5))
	if err != nil {
		t.Fatalf("追加第二条失败: %v", err)
	}
	if second.Seq != 2 || second.PrevHash != first.Hash {
		t.Fatalf("第二条记录未链接到前一条: %+v", second)
	}
	if err := Verify(log.Entries(0, 0)); err != nil {
		t.Fatalf("校验失败: %v", err)
	}
}

func TestAppendRejectsOutOfOrderCycle(t *testing.T) {
	log := NewLog(nil)
	ctx := context.Background()
	if _, err := log.Append(ctx, evaluation(2, base, 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := log.Append(ctx, evaluation(1, base.Add(time.Minute), 1)); err == nil {
		t.Fatal("较早的周期应报错")
	}
	if log.Len() != 1 {
		t.Fatalf("被拒绝的记录不应保存, len=%d", log.Len())
	}
}

func TestAppendKeepsTimestampsMonotonic(t *testing.T) {
	log := NewLog(nil)
	ctx := context.Background()
	if _, err := log.Append(ctx, evaluation(1, base, 1)); err != nil {
		t.Fatal(err)
	}
	e, err := log.Append(ctx, evaluation(1, base.Add(-time.Hour), 1))
	if err != nil {
		t.Fatal(err)
	}
	if !e.Timestamp.Equal(base) {
		t.Fatalf("时间戳应被钳制为 %s, 实际 %s", base, e.Timestamp)
	}
}

func TestEntriesSinceAndLimit(t *testing.T) {
	log := NewLog(nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := log.Append(ctx, evaluation(uint64(i+1), base.Add(time.Duration(i)*time.Minute), 1)); err != nil {
			t.Fatal(err)
		}
	}
	got := log.Entries(2, 2)
	if len(got) != 2 || got[0].Seq != 3 || got[1].Seq != 4 {
		t.Fatalf("分页结果不正确: %+v", got)
	}
	if got := log.Between(base.Add(time.Minute), base.Add(3*time.Minute)); len(got) != 2 {
		t.Fatalf("窗口内应有 2 条记录, 实际 %d", len(got))
	}
	if next := log.NextCycle(); next != 6 {
		t.Fatalf("下一个周期应为 6, 实际 %d", next)
	}
}

func TestSinkFailureIsRetried(t *testing.T) {
	sink := &recordingSink{fail: true}
	log := NewLog(sink)
	ctx := context.Background()

	if _, err := log.Append(ctx, evaluation(1, base, 1)); err == nil {
		t.Fatal("应返回存储错误")
	}
	if log.Len() != 1 || log.Unsynced() != 1 {
		t.Fatalf("记录应保留在内存中, len=%d unsynced=%d", log.Len(), log.Unsynced())
	}

	sink.fail = false
	if _, err := log.Append(ctx, evaluation(2, base.Add(time.Minute), 1)); err != nil {
		t.Fatalf("恢复后追加失败: %v", err)
	}
	if len(sink.entries) != 2 || sink.entries[0].Seq != 1 || sink.entries[1].Seq != 2 {
		t.Fatalf("积压记录应按顺序写入, 实际 %+v", sink.entries)
	}
	if log.Unsynced() != 0 {
		t.Fatalf("不应有未同步记录, 实际 %d", log.Unsynced())
	}
}

func TestRestoreVerifiesChain(t *testing.T) {
	src := NewLog(nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := src.Append(ctx, evaluation(uint64(i+1), base.Add(time.Duration(i)*time.Minute), float64(i))); err != nil {
			t.Fatal(err)
		}
	}
	entries := src.Entries(0, 0)

	restored := NewLog(nil)
	if err := restored.Restore(entries); err != nil {
		t.Fatalf("恢复失败: %v", err)
	}
	next, err := restored.Append(ctx, evaluation(4, base.Add(time.Hour), 1))
	if err != nil {
		t.Fatal(err)
	}
	if next.Seq != 4 || next.PrevHash != entries[2].Hash {
		t.Fatalf("恢复后的日志应延续哈希链: %+v", next)
	}

	tampered := *entries[1].Outputs.Score
	tampered.Value = 9
	entries[1].Outputs.Score = &tampered
	var chainErr *ChainError
	if err := NewLog(nil).Restore(entries); !errors.As(err, &chainErr) || chainErr.Seq != 2 {
		t.Fatalf("应在 seq 2 检测到篡改, 实际 %v", err)
	}
}
