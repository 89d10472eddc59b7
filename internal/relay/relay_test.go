package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestBrokerFanout(t *testing.T) {
	b := NewBroker()
	id1, ch1 := b.Subscribe()
	id2, ch2 := b.Subscribe()
	defer b.Unsubscribe(id1)
	defer b.Unsubscribe(id2)

	if got, want := b.ClientCount(), 2; got != want {
		t.Fatalf("ClientCount() = %d; want %d", got, want)
	}

	b.Publish(Event{Topic: TopicVerdict, Payload: `{"tab_id":"t1"}`})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			if got, want := evt.Topic, TopicVerdict; got != want {
				t.Fatalf("topic = %q; want %q", got, want)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker()
	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	// Overfill the buffer without draining; Publish must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBufSize*2; i++ {
			b.Publish(Event{Topic: TopicNavigation, Payload: "x"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	if got := len(ch); got != subscriberBufSize {
		t.Fatalf("buffered = %d; want %d with overflow dropped", got, subscriberBufSize)
	}
}

func TestPublishJSON(t *testing.T) {
	b := NewBroker()
	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	b.PublishJSON(TopicInterception, VerdictEvent{
		TabID:       "tab-1",
		URL:         "http://bad.example",
		Verdict:     "malicious",
		Intercepted: true,
		NavSeq:      2,
	})

	select {
	case evt := <-ch:
		var got VerdictEvent
		if err := json.Unmarshal([]byte(evt.Payload), &got); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if !got.Intercepted || got.TabID != "tab-1" || got.NavSeq != 2 {
			t.Fatalf("payload = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestSSEHandlerStreamsAndFilters(t *testing.T) {
	b := NewBroker()
	srv := httptest.NewServer(SSEHandler(b))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?topics=verdict", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()

	if got, want := resp.Header.Get("Content-Type"), "text/event-stream"; got != want {
		t.Fatalf("Content-Type = %q; want %q", got, want)
	}

	// Wait for the subscription before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	b.Publish(Event{Topic: TopicNavigation, Payload: "filtered out"})
	b.Publish(Event{Topic: TopicVerdict, Payload: `{"tab_id":"t1"}`})

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got, want := strings.TrimSpace(line), "event: verdict"; got != want {
		t.Fatalf("first line = %q; want %q (navigation topic must be filtered)", got, want)
	}
	data, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read data: %v", err)
	}
	if !strings.Contains(data, `"tab_id":"t1"`) {
		t.Fatalf("data line = %q", data)
	}
}
