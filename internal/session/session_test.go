package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sudooom.chat.core/internal/model"
)

// collectSink 收集推送消息的测试用 Sink
type collectSink struct {
	mu   sync.Mutex
	msgs []*model.Message
}

func (s *collectSink) Push(msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *collectSink) seqs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, m.Seq)
	}
	return out
}

func (s *collectSink) seqsFor(conversationID string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for _, m := range s.msgs {
		if m.ConversationID == conversationID {
			out = append(out, m.Seq)
		}
	}
	return out
}

// blockSink 在 release 关闭前阻塞 Push，用于制造队列积压
type blockSink struct {
	entered chan struct{}
	release chan struct{}
}

func newBlockSink() *blockSink {
	return &blockSink{
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (s *blockSink) Push(msg *model.Message) error {
	s.entered <- struct{}{}
	<-s.release
	return nil
}

// errSink 写出永远失败
type errSink struct{}

func (errSink) Push(*model.Message) error {
	return errors.New("broken pipe")
}

func testMsg(conversationID string, seq int64) *model.Message {
	return &model.Message{
		ID:             seq,
		ConversationID: conversationID,
		Seq:            seq,
		SenderID:       "user-a",
		Content:        []byte("hello"),
		CreatedAt:      time.Now(),
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func equalSeqs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateConnecting: "connecting",
		StateActive:     "active",
		StateDegraded:   "degraded",
		StateClosed:     "closed",
		State(99):       "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("Expected %q, got %q", want, got)
		}
	}
}

func TestSessionLiveContiguity(t *testing.T) {
	sink := &collectSink{}
	s := newSession("user-a", sink, 16)
	defer s.Close()

	s.trackConv("conv-1", 0)
	s.activate()

	if st := s.Enqueue(testMsg("conv-1", 1)); st != Enqueued {
		t.Errorf("Expected Enqueued for seq 1, got %v", st)
	}
	if st := s.Enqueue(testMsg("conv-1", 1)); st != Duplicate {
		t.Errorf("Expected Duplicate for replayed seq 1, got %v", st)
	}
	if st := s.Enqueue(testMsg("conv-1", 3)); st != NeedsResync {
		t.Errorf("Expected NeedsResync for gapped seq 3, got %v", st)
	}
	if s.State() != StateDegraded {
		t.Errorf("Expected degraded state after gap, got %v", s.State())
	}
	// 降级窗口内的新消息同样记入缺口，重复消息照旧去重
	if st := s.Enqueue(testMsg("conv-1", 2)); st != NeedsResync {
		t.Errorf("Expected NeedsResync while degraded, got %v", st)
	}
	if st := s.Enqueue(testMsg("conv-1", 1)); st != Duplicate {
		t.Errorf("Expected Duplicate while degraded, got %v", st)
	}

	waitUntil(t, "sink to receive seq 1", func() bool {
		return equalSeqs(sink.seqs(), []int64{1})
	})
	if s.DroppedCount() == 0 {
		t.Error("Expected dropped counter to advance")
	}
}

func TestSessionUnknownConversation(t *testing.T) {
	s := newSession("user-a", &collectSink{}, 16)
	defer s.Close()
	s.activate()

	if st := s.Enqueue(testMsg("conv-unknown", 1)); st != Dropped {
		t.Errorf("Expected Dropped for unsubscribed conversation, got %v", st)
	}
}

func TestSessionUnresolvedStart(t *testing.T) {
	s := newSession("user-a", &collectSink{}, 16)
	defer s.Close()

	s.trackConv("conv-1", seqUnresolved)
	s.activate()

	if st := s.Enqueue(testMsg("conv-1", 5)); st != NeedsResync {
		t.Errorf("Expected NeedsResync before start resolved, got %v", st)
	}

	s.ResolveConv("conv-1", 4)
	if st := s.Enqueue(testMsg("conv-1", 5)); st != Enqueued {
		t.Errorf("Expected Enqueued after resolving start, got %v", st)
	}
	if last, ok := s.LastEnqueued("conv-1"); !ok || last != 5 {
		t.Errorf("Expected last enqueued 5, got %d (ok=%v)", last, ok)
	}
}

func TestSessionQueueOverflowDegrades(t *testing.T) {
	sink := newBlockSink()
	s := newSession("user-a", sink, 1)
	defer func() {
		close(sink.release)
		s.Close()
	}()

	s.trackConv("conv-1", 0)
	s.activate()

	if st := s.Enqueue(testMsg("conv-1", 1)); st != Enqueued {
		t.Fatalf("Expected Enqueued for seq 1, got %v", st)
	}
	// 等泵取走第一条并卡在 Push 上
	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for pump to pick up first message")
	}

	if st := s.Enqueue(testMsg("conv-1", 2)); st != Enqueued {
		t.Fatalf("Expected Enqueued for seq 2, got %v", st)
	}
	if st := s.Enqueue(testMsg("conv-1", 3)); st != NeedsResync {
		t.Errorf("Expected NeedsResync on overflow, got %v", st)
	}
	if s.State() != StateDegraded {
		t.Errorf("Expected degraded state after overflow, got %v", s.State())
	}
	if s.DroppedCount() != 1 {
		t.Errorf("Expected 1 dropped message, got %d", s.DroppedCount())
	}
}

func TestSessionEnqueueHistory(t *testing.T) {
	sink := &collectSink{}
	s := newSession("user-a", sink, 16)
	defer s.Close()

	s.trackConv("conv-1", 2)
	s.activate()
	ctx := context.Background()

	for seq := int64(1); seq <= 4; seq++ {
		if err := s.EnqueueHistory(ctx, testMsg("conv-1", seq)); err != nil {
			t.Fatalf("EnqueueHistory(%d) failed: %v", seq, err)
		}
	}
	if err := s.EnqueueHistory(ctx, testMsg("conv-other", 1)); !errors.Is(err, ErrNotSubscribed) {
		t.Errorf("Expected ErrNotSubscribed, got %v", err)
	}

	if last, ok := s.LastEnqueued("conv-1"); !ok || last != 4 {
		t.Errorf("Expected last enqueued 4, got %d (ok=%v)", last, ok)
	}
	waitUntil(t, "sink to receive seqs 3,4", func() bool {
		return equalSeqs(sink.seqs(), []int64{3, 4})
	})

	s.Close()
	if err := s.EnqueueHistory(ctx, testMsg("conv-1", 5)); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after close, got %v", err)
	}
}

func TestSessionEnqueueHistoryHonorsContext(t *testing.T) {
	sink := newBlockSink()
	s := newSession("user-a", sink, 1)
	defer func() {
		close(sink.release)
		s.Close()
	}()

	s.trackConv("conv-1", 0)
	s.activate()

	if err := s.EnqueueHistory(context.Background(), testMsg("conv-1", 1)); err != nil {
		t.Fatalf("EnqueueHistory(1) failed: %v", err)
	}
	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for pump to pick up first message")
	}
	if err := s.EnqueueHistory(context.Background(), testMsg("conv-1", 2)); err != nil {
		t.Fatalf("EnqueueHistory(2) failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := s.EnqueueHistory(ctx, testMsg("conv-1", 3))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context deadline error on full queue, got %v", err)
	}
}

func TestSessionAck(t *testing.T) {
	s := newSession("user-a", &collectSink{}, 16)
	defer s.Close()

	s.trackConv("conv-1", 0)
	s.activate()
	s.Enqueue(testMsg("conv-1", 1))
	s.Enqueue(testMsg("conv-1", 2))

	if !s.Ack("conv-1", 1) {
		t.Error("Expected first ack to advance cursor")
	}
	if got := s.Cursor("conv-1"); got != 1 {
		t.Errorf("Expected cursor 1, got %d", got)
	}
	if s.Ack("conv-1", 1) {
		t.Error("Expected repeated ack to be a no-op")
	}
	// 确认号超过已投递水位时收敛到水位
	if !s.Ack("conv-1", 9) {
		t.Error("Expected over-ack to advance cursor")
	}
	if got := s.Cursor("conv-1"); got != 2 {
		t.Errorf("Expected cursor clamped to 2, got %d", got)
	}
	if s.Ack("conv-unknown", 1) {
		t.Error("Expected ack on unsubscribed conversation to be a no-op")
	}
}

func TestSessionSinkFailureCloses(t *testing.T) {
	s := newSession("user-a", errSink{}, 16)
	s.trackConv("conv-1", 0)
	s.activate()

	if st := s.Enqueue(testMsg("conv-1", 1)); st != Enqueued {
		t.Fatalf("Expected Enqueued, got %v", st)
	}
	waitUntil(t, "session to close after sink failure", func() bool {
		return s.State() == StateClosed
	})
	if st := s.Enqueue(testMsg("conv-1", 2)); st != Dropped {
		t.Errorf("Expected Dropped after close, got %v", st)
	}
}
