package messenger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkarpov/go-sales-bridge/internal/config"
)

// newBotServer serves canned bot-API responses keyed by method name and
// records the decoded payloads.
func newBotServer(t *testing.T, responses map[string]string) (*BotClient, *[]map[string]any) {
	t.Helper()

	var calls []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		method := parts[len(parts)-1]

		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload for %s: %v", method, err)
		}
		payload["_method"] = method
		calls = append(calls, payload)

		body, ok := responses[method]
		if !ok {
			body = `{"ok":true,"result":{}}`
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	client := NewBotClient(config.MessengerConfig{
		BaseURL:  srv.URL,
		BotToken: "test-token",
		GroupID:  -100,
		Timeout:  5 * time.Second,
	})
	return client, &calls
}

func TestCreateThread_ReturnsThreadID(t *testing.T) {
	client, calls := newBotServer(t, map[string]string{
		"createForumTopic": `{"ok":true,"result":{"message_thread_id":4242,"name":"x"}}`,
	})

	id, err := client.CreateThread(context.Background(), "1001 | buyer@example.com")
	if err != nil || id != 4242 {
		t.Fatalf("CreateThread = %d, %v", id, err)
	}
	got := (*calls)[0]
	if got["_method"] != "createForumTopic" || got["chat_id"].(float64) != -100 {
		t.Fatalf("unexpected call: %+v", got)
	}
}

func TestCreateThread_ClipsLongNames(t *testing.T) {
	client, calls := newBotServer(t, map[string]string{
		"createForumTopic": `{"ok":true,"result":{"message_thread_id":1}}`,
	})

	long := strings.Repeat("я", 300)
	if _, err := client.CreateThread(context.Background(), long); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	sent := (*calls)[0]["name"].(string)
	if len([]rune(sent)) != 123 { // 120 runes + "..."
		t.Fatalf("name not clipped to limit: %d runes", len([]rune(sent)))
	}
}

func TestPostMessage_ThreadRouting(t *testing.T) {
	client, calls := newBotServer(t, nil)
	ctx := context.Background()

	if err := client.PostMessage(ctx, 55, "hello"); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if got := (*calls)[0]["message_thread_id"].(float64); got != 55 {
		t.Fatalf("thread id not routed: %v", got)
	}

	// Thread id 0 posts to the group root without the field.
	if err := client.PostMessage(ctx, 0, "hello"); err != nil {
		t.Fatalf("PostMessage root: %v", err)
	}
	if _, ok := (*calls)[1]["message_thread_id"]; ok {
		t.Fatal("root post must not carry message_thread_id")
	}
}

func TestClassify_Backpressure(t *testing.T) {
	client, _ := newBotServer(t, map[string]string{
		"sendMessage": `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 17","parameters":{"retry_after":17}}`,
	})

	err := client.PostMessage(context.Background(), 1, "x")
	if !IsBackpressure(err) {
		t.Fatalf("expected backpressure, got %v", err)
	}
	if got := RetryAfter(err); got != 17*time.Second {
		t.Fatalf("RetryAfter = %v", got)
	}
}

func TestClassify_BackpressureFromDescription(t *testing.T) {
	client, _ := newBotServer(t, map[string]string{
		"sendMessage": `{"ok":false,"error_code":400,"description":"Flood control exceeded. Retry in 23 seconds"}`,
	})

	err := client.PostMessage(context.Background(), 1, "x")
	if !IsBackpressure(err) {
		t.Fatalf("expected backpressure, got %v", err)
	}
	if got := RetryAfter(err); got != 23*time.Second {
		t.Fatalf("RetryAfter parsed from description = %v", got)
	}
}

func TestClassify_ThreadNotFound(t *testing.T) {
	for _, desc := range []string{
		"Bad Request: message thread not found",
		"Bad Request: TOPIC_DELETED",
	} {
		client, _ := newBotServer(t, map[string]string{
			"editForumTopic": `{"ok":false,"error_code":400,"description":"` + desc + `"}`,
		})
		err := client.EditThreadName(context.Background(), 9, "probe")
		if !IsThreadNotFound(err) {
			t.Fatalf("description %q: expected thread-not-found, got %v", desc, err)
		}
	}
}

func TestClassify_Permanent(t *testing.T) {
	client, _ := newBotServer(t, map[string]string{
		"sendMessage": `{"ok":false,"error_code":403,"description":"Forbidden: bot was kicked from the supergroup chat"}`,
	})

	err := client.PostMessage(context.Background(), 1, "x")
	if !IsPermanent(err) {
		t.Fatalf("expected permanent, got %v", err)
	}
}

func TestClassify_Other(t *testing.T) {
	client, _ := newBotServer(t, map[string]string{
		"sendMessage": `{"ok":false,"error_code":400,"description":"Bad Request: message is too long"}`,
	})

	err := client.PostMessage(context.Background(), 1, "x")
	if err == nil || IsBackpressure(err) || IsThreadNotFound(err) || IsPermanent(err) {
		t.Fatalf("expected plain retryable error, got %v", err)
	}
}

func TestReactTo(t *testing.T) {
	client, calls := newBotServer(t, nil)

	if err := client.ReactTo(context.Background(), 5, 777, "🔥"); err != nil {
		t.Fatalf("ReactTo: %v", err)
	}
	got := (*calls)[0]
	if got["_method"] != "setMessageReaction" || got["message_id"].(float64) != 777 {
		t.Fatalf("unexpected call: %+v", got)
	}
}

func TestClipRunes(t *testing.T) {
	if got := clipRunes("short", 10); got != "short" {
		t.Fatalf("clipRunes short = %q", got)
	}
	got := clipRunes(strings.Repeat("é", 12), 10)
	if len([]rune(got)) != 13 || !strings.HasSuffix(got, "...") {
		t.Fatalf("clipRunes long = %q", got)
	}
}
