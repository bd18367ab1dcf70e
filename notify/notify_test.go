package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"
	"yib/models"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisPublisher, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	pub, err := NewRedisPublisher("redis://"+s.Addr(), "", logger)
	if err != nil {
		t.Fatalf("failed to create redis publisher: %v", err)
	}
	t.Cleanup(func() { pub.Close() })
	return pub, s
}

func TestNewRedisPublisher(t *testing.T) {
	pub, _ := setupTestRedis(t)
	if err := pub.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
	if pub.channel != "new_post" {
		t.Errorf("Expected default channel new_post, but got %s", pub.channel)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	if _, err := NewRedisPublisher("not a url", "", logger); err == nil {
		t.Error("Expected an invalid URL to fail")
	}
}

func TestPublishDeliversJSON(t *testing.T) {
	pub, _ := setupTestRedis(t)
	ctx := context.Background()

	sub := pub.Subscribe(ctx)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	event := models.Event{
		Type: models.EventNewReply,
		Post: models.EventPost{
			ID:       12,
			ThreadID: 3,
			Name:     "Anonymous",
			Content:  "hello",
			Files:    []models.EventFile{{Original: "1_abcd.png", Thumbnail: "reply_images/thumbs/thumb_1_abcd.png"}},
			Date:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Board:    "b",
		},
	}
	if err := pub.Publish(ctx, event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var got models.Event
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatalf("Payload is not JSON: %v", err)
		}
		if got.Type != "New Reply" || got.Post.ID != 12 || got.Post.ThreadID != 3 {
			t.Errorf("Expected the published reply event, but got %+v", got)
		}
		var raw map[string]any
		json.Unmarshal([]byte(msg.Payload), &raw)
		post := raw["post"].(map[string]any)
		if _, ok := post["files_data"]; !ok {
			t.Errorf("Expected files_data key in payload, but got %v", post)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the published event")
	}
}

func TestPublishFailsWhenRedisIsDown(t *testing.T) {
	pub, s := setupTestRedis(t)
	s.Close()
	if err := pub.Publish(context.Background(), models.Event{Type: models.EventNewThread}); err == nil {
		t.Error("Expected publish to fail with Redis down")
	}
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	if err := p.Publish(context.Background(), models.Event{}); err != nil {
		t.Errorf("Expected Nop to succeed, but got %v", err)
	}
}
