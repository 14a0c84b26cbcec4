package telegram

import (
	"context"
	"errors"
	"testing"

	tele "gopkg.in/telebot.v4"

	"notifybot/internal/delivery"
	"notifybot/internal/event"
)

const chanID = int64(-1001234567890)

func TestRawFromPost(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		msg     *tele.Message
		ok      bool
		id      string
		payload string
	}{
		{name: "nil", msg: nil},
		{name: "other chat", msg: &tele.Message{ID: 1, Chat: &tele.Chat{ID: 42}, Text: "x"}},
		{name: "empty", msg: &tele.Message{ID: 2, Chat: &tele.Chat{ID: chanID}}},
		{name: "text", msg: &tele.Message{ID: 3, Chat: &tele.Chat{ID: chanID}, Text: "disk full", Unixtime: 1700000000},
			ok: true, id: "tg:-1001234567890:3", payload: "disk full"},
		{name: "caption", msg: &tele.Message{ID: 4, Chat: &tele.Chat{ID: chanID}, Caption: "graph attached"},
			ok: true, id: "tg:-1001234567890:4", payload: "graph attached"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			raw, ok := RawFromPost(tc.msg, chanID, "warning")
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if !ok {
				return
			}
			if raw.ID != tc.id || raw.Payload != tc.payload || raw.Source != SourceName || raw.Severity != "warning" {
				t.Fatalf("raw = %+v", raw)
			}
		})
	}
}

func TestRawFromPostWithoutChannelFilter(t *testing.T) {
	t.Parallel()
	raw, ok := RawFromPost(&tele.Message{ID: 5, Chat: &tele.Chat{ID: 42}, Text: "any channel"}, 0, "")
	if !ok || raw.ID != "tg:42:5" {
		t.Fatalf("raw = %+v ok=%v", raw, ok)
	}
}

func TestRawFromPostTimestamp(t *testing.T) {
	t.Parallel()
	raw, ok := RawFromPost(&tele.Message{ID: 9, Chat: &tele.Chat{ID: chanID}, Text: "x", Unixtime: 1700000000}, chanID, "")
	if !ok || raw.Timestamp.Unix() != 1700000000 {
		t.Fatalf("raw = %+v ok=%v", raw, ok)
	}
}

type recordingSubmitter struct {
	got []event.RawEvent
	err error
}

func (r *recordingSubmitter) Submit(_ context.Context, raw event.RawEvent) (delivery.SubmitResult, error) {
	r.got = append(r.got, raw)
	return delivery.SubmitResult{EventID: raw.ID, Status: "admitted"}, r.err
}

func TestHandleSubmitsMatchingPosts(t *testing.T) {
	t.Parallel()
	sub := &recordingSubmitter{err: errors.New("queue full")}
	c := &Channel{cfg: Config{ChannelID: chanID, Severity: "info"}, sub: sub}

	c.handle(context.Background(), &tele.Message{ID: 1, Chat: &tele.Chat{ID: 7}, Text: "ignored"})
	c.handle(context.Background(), &tele.Message{ID: 2, Chat: &tele.Chat{ID: chanID}, Text: "relayed"})

	if len(sub.got) != 1 || sub.got[0].ID != "tg:-1001234567890:2" {
		t.Fatalf("submitted = %+v", sub.got)
	}
}

func TestParseChannelID(t *testing.T) {
	t.Parallel()
	if id, err := ParseChannelID(" -1001234567890 "); err != nil || id != chanID {
		t.Fatalf("ParseChannelID = %d, %v", id, err)
	}
	if id, err := ParseChannelID(""); err != nil || id != 0 {
		t.Fatalf("empty channel id = %d, %v", id, err)
	}
	if _, err := ParseChannelID("@mychannel"); err == nil {
		t.Fatalf("expected error for username")
	}
}
