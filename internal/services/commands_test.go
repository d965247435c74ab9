package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-gate-bot/internal/matrix"
)

func newCommands(client *fakeClient) *CommandHandler {
	return &CommandHandler{
		Client:      client,
		Prefix:      "!gate",
		DisplayName: "Gate Bot",
		SupportRoom: "#support:example.org",
		Started:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Now:         func() time.Time { return time.Date(2024, 1, 1, 2, 3, 0, 0, time.UTC) },
		Logger:      zerolog.Nop(),
	}
}

func TestCommands_Parse(t *testing.T) {
	h := newCommands(newFakeClient())
	cases := map[string]string{
		"!gate ping":                "ping",
		"!GATE Ping extra":          "ping",
		"!gate":                     "help",
		"gate: space":               "space",
		"Gate Bot: help":            "help",
		"@gate:example.org: ping":   "ping",
		"  !gate   support ":        "support",
		"hello everyone":            "",
		"!gat ping":                 "",
	}
	for body, want := range cases {
		if got := h.Parse(body); got != want {
			t.Errorf("Parse(%q) = %q, want %q", body, got, want)
		}
	}
}

func TestCommands_PingRepliesInThread(t *testing.T) {
	client := newFakeClient()
	h := newCommands(client)
	ev := textEvent("$c1", mainRoom, userU, "!gate ping")
	ev.OriginServerTS = h.Now().Add(-250 * time.Millisecond).UnixMilli()

	handled, err := h.HandleMessage(context.Background(), ev)
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("replies = %d", len(client.sent))
	}
	reply := client.sent[0].Content
	if !strings.Contains(reply.Body, "Pong! Latency is 250ms") || !strings.Contains(reply.Body, "2 hours") {
		t.Fatalf("unexpected ping body %q", reply.Body)
	}
	if reply.RelatesTo == nil || reply.RelatesTo.InReplyTo == nil || reply.RelatesTo.InReplyTo.EventID != "$c1" {
		t.Fatalf("reply relation missing: %+v", reply.RelatesTo)
	}
}

func TestCommands_HelpAndSpace(t *testing.T) {
	client := newFakeClient()
	h := newCommands(client)
	ctx := context.Background()

	if _, err := h.HandleMessage(ctx, textEvent("$h", mainRoom, userU, "!gate help")); err != nil {
		t.Fatalf("help: %v", err)
	}
	if _, err := h.HandleMessage(ctx, textEvent("$s", mainRoom, userU, "!gate space")); err != nil {
		t.Fatalf("space: %v", err)
	}
	if len(client.sent) != 2 {
		t.Fatalf("replies = %d", len(client.sent))
	}
	if !strings.Contains(client.sent[0].Content.Body, "!gate ping - Pings the bot") {
		t.Fatalf("help body: %q", client.sent[0].Content.Body)
	}
	if !strings.Contains(client.sent[1].Content.Body, "https://matrix.to/#/#support:example.org") {
		t.Fatalf("space body: %q", client.sent[1].Content.Body)
	}
}

func TestCommands_RequireSendPermission(t *testing.T) {
	client := newFakeClient()
	client.powerLevels[mainRoom].Users[userU] = -1
	h := newCommands(client)

	handled, err := h.HandleMessage(context.Background(), textEvent("$x", mainRoom, userU, "!gate ping"))
	if err != nil || handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if len(client.sent) != 0 {
		t.Fatalf("replied to a user who cannot send")
	}
}

func TestCommands_UnknownAndPlainMessages(t *testing.T) {
	client := newFakeClient()
	h := newCommands(client)
	ctx := context.Background()
	for _, body := range []string{"!gate dance", "just chatting"} {
		handled, err := h.HandleMessage(ctx, textEvent("$u", mainRoom, userU, body))
		if err != nil || handled {
			t.Fatalf("%q: handled=%v err=%v", body, handled, err)
		}
	}
	if len(client.sent) != 0 {
		t.Fatalf("unexpected replies: %d", len(client.sent))
	}
}

func TestCommands_SendFailureFallsBack(t *testing.T) {
	client := newFakeClient()
	client.sendErr = func(c matrix.MessageContent) error {
		if strings.HasPrefix(c.Body, "Pong!") {
			return errBoom
		}
		return nil
	}
	h := newCommands(client)

	handled, err := h.HandleMessage(context.Background(), textEvent("$e", mainRoom, userU, "!gate ping"))
	if !handled || !errors.Is(err, errBoom) {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if len(client.sent) != 1 || client.sent[0].Content.Body != commandErrorReply {
		t.Fatalf("fallback not sent: %+v", client.sent)
	}
}
