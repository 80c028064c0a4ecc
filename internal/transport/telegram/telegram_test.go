package telegram

import (
	"context"
	"strings"
	"testing"

	"droughtwatch/internal/transport"
	"droughtwatch/pkg/logx"
)

func TestSplitTextShortIsUntouched(t *testing.T) {
	t.Parallel()
	got := splitText("hello", 10, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("splitText() = %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitText(s, 12, "")
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("splitText() = %q", got)
	}
}

func TestSplitTextHardCut(t *testing.T) {
	t.Parallel()
	got := splitText(strings.Repeat("x", 25), 10, "")
	if len(got) != 3 || len(got[0]) != 10 || len(got[2]) != 5 {
		t.Fatalf("splitText() = %q", got)
	}
}

func TestSplitTextAvoidsHTMLTags(t *testing.T) {
	t.Parallel()
	s := "abcdefg<b>bold</b>"
	got := splitText(s, 9, "HTML")
	if got[0] != "abcdefg" {
		t.Fatalf("first chunk = %q, want the tag kept whole", got[0])
	}
	if strings.Join(got, "") != s {
		t.Fatalf("chunks lost text: %q", got)
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("New() with empty token should fail")
	}
}

func TestSendLogWithoutChatIsNoop(t *testing.T) {
	t.Parallel()
	a, err := New(Config{Token: "123:abc", Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := a.SendLog(context.Background(), "hi"); err != nil {
		t.Fatalf("SendLog() error = %v", err)
	}
	a.SetLogChat(transport.ChatTarget{})
}

func TestMenuCommandsSkipsBlankAndDefaultsDescription(t *testing.T) {
	t.Parallel()
	got := menuCommands([]transport.BotCommand{
		{Command: ""},
		{Command: "stats"},
		{Command: "backfill", Description: strings.Repeat("d", 300)},
	})
	if len(got) != 2 {
		t.Fatalf("menuCommands() = %+v", got)
	}
	if got[0].Text != "stats" || got[0].Description != "stats" {
		t.Fatalf("first = %+v", got[0])
	}
	if len(got[1].Description) != maxMenuDesc {
		t.Fatalf("description length = %d", len(got[1].Description))
	}
}

func TestForwardDropsWhenConsumerBusy(t *testing.T) {
	t.Parallel()
	a, err := New(Config{Token: "123:abc", Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	a.forward(transport.Message{Text: "before start"})

	out := make(chan transport.Message, 1)
	a.run = &pollRun{out: out}
	a.forward(transport.Message{Text: "one"})
	a.forward(transport.Message{Text: "two"})
	a.forward(transport.Message{Text: "three"})
	if m := <-out; m.Text != "one" {
		t.Fatalf("forwarded %q", m.Text)
	}
	// the first drop is reported and resets the counter
	if n := a.dropped.Load(); n != 1 {
		t.Fatalf("dropped = %d, want 1 pending after the first report", n)
	}
}
