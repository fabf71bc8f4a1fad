package broker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"sudooom.chat.core/internal/model"
)

// 注意：除标注外，这些测试需要一个运行中的 NATS 实例
// 如果没有 NATS，测试将被跳过

func getTestConn(t *testing.T) *nats.Conn {
	t.Helper()

	nc, err := nats.Connect(nats.DefaultURL, nats.Timeout(2*time.Second))
	if err != nil {
		t.Skipf("跳过测试：无法连接 NATS: %v", err)
	}
	return nc
}

type captureDeliverer struct {
	mu        sync.Mutex
	delivered []*model.Message
	degraded  int
	recovered int
	ch        chan *model.Message
}

func (d *captureDeliverer) Deliver(conversationID string, msg *model.Message) int {
	d.mu.Lock()
	d.delivered = append(d.delivered, msg)
	d.mu.Unlock()
	if d.ch != nil {
		d.ch <- msg
	}
	return 1
}

func (d *captureDeliverer) MarkAllDegraded(reason error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.degraded++
}

func (d *captureDeliverer) RecoverAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recovered++
}

func TestBuildConversationSubject(t *testing.T) {
	got := BuildConversationSubject("conv-42")
	if got != "chat.conv.conv-42" {
		t.Errorf("Expected 'chat.conv.conv-42', got '%s'", got)
	}
}

func TestReleaseSubscription_Unknown(t *testing.T) {
	// 未订阅的会话释放是空操作，不触碰连接
	sub := NewConversationSubscriber(nil)
	sub.ReleaseSubscription("never-subscribed")
	if n := sub.ActiveSubscriptions(); n != 0 {
		t.Errorf("Expected 0 subscriptions, got %d", n)
	}
}

func TestConversationSubscriber_PublishRoundTrip(t *testing.T) {
	nc := getTestConn(t)
	defer nc.Close()

	deliverer := &captureDeliverer{ch: make(chan *model.Message, 1)}
	sub := NewConversationSubscriber(nc)
	sub.Start(deliverer)
	defer sub.Stop()

	convID := fmt.Sprintf("it-conv-%d", time.Now().UnixNano())
	if err := sub.EnsureSubscription(convID); err != nil {
		t.Fatalf("EnsureSubscription failed: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	pub := NewMessagePublisher(nc)
	sent := &model.Message{
		ID:             101,
		ConversationID: convID,
		Seq:            1,
		SenderID:       "alice",
		Content:        []byte("hello"),
		CreatedAt:      time.Now().UTC(),
	}
	if err := pub.PublishMessage(sent); err != nil {
		t.Fatalf("PublishMessage failed: %v", err)
	}

	select {
	case got := <-deliverer.ch:
		if got.ConversationID != convID {
			t.Errorf("Expected conversation %s, got %s", convID, got.ConversationID)
		}
		if got.Seq != 1 {
			t.Errorf("Expected seq 1, got %d", got.Seq)
		}
		if string(got.Content) != "hello" {
			t.Errorf("Expected content 'hello', got '%s'", got.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for delivery")
	}
}

func TestConversationSubscriber_Refcount(t *testing.T) {
	nc := getTestConn(t)
	defer nc.Close()

	deliverer := &captureDeliverer{ch: make(chan *model.Message, 4)}
	sub := NewConversationSubscriber(nc)
	sub.Start(deliverer)
	defer sub.Stop()

	convID := fmt.Sprintf("it-conv-%d", time.Now().UnixNano())

	// 两个本地订阅者共享一个总线订阅
	if err := sub.EnsureSubscription(convID); err != nil {
		t.Fatalf("EnsureSubscription failed: %v", err)
	}
	if err := sub.EnsureSubscription(convID); err != nil {
		t.Fatalf("Second EnsureSubscription failed: %v", err)
	}
	if n := sub.ActiveSubscriptions(); n != 1 {
		t.Errorf("Expected 1 broker subscription, got %d", n)
	}

	// 释放一个引用后订阅仍然存活
	sub.ReleaseSubscription(convID)
	if n := sub.ActiveSubscriptions(); n != 1 {
		t.Errorf("Expected subscription retained with one ref, got %d", n)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	pub := NewMessagePublisher(nc)
	msg := &model.Message{
		ID: 1, ConversationID: convID, Seq: 1, SenderID: "alice",
		Content: []byte("still alive"), CreatedAt: time.Now().UTC(),
	}
	if err := pub.PublishMessage(msg); err != nil {
		t.Fatalf("PublishMessage failed: %v", err)
	}
	select {
	case <-deliverer.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected delivery while one ref remains")
	}

	// 最后一个引用释放后退订，不再投递
	sub.ReleaseSubscription(convID)
	if n := sub.ActiveSubscriptions(); n != 0 {
		t.Errorf("Expected 0 broker subscriptions, got %d", n)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	msg.Seq = 2
	if err := pub.PublishMessage(msg); err != nil {
		t.Fatalf("PublishMessage failed: %v", err)
	}
	select {
	case got := <-deliverer.ch:
		t.Errorf("Expected no delivery after release, got seq %d", got.Seq)
	case <-time.After(300 * time.Millisecond):
	}
}
