package centrifuge

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeReplies_Single(t *testing.T) {
	data := []byte(`{"id":1,"connect":{"client":"c-1","version":"6.0.0","ping":25,"pong":true}}`)

	replies, err := decodeReplies(data)
	if err != nil {
		t.Fatalf("decodeReplies failed: %v", err)
	}
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}

	r := replies[0]
	if r.ID != 1 {
		t.Errorf("ID = %d, want 1", r.ID)
	}
	if r.Connect == nil {
		t.Fatal("Connect result is nil")
	}
	if r.Connect.Client != "c-1" {
		t.Errorf("Client = %q, want %q", r.Connect.Client, "c-1")
	}
	if r.Connect.Ping != 25 {
		t.Errorf("Ping = %d, want 25", r.Connect.Ping)
	}
	if !r.Connect.Pong {
		t.Error("Pong = false, want true")
	}
}

func TestDecodeReplies_MultipleNewlineDelimited(t *testing.T) {
	data := []byte(`{"id":2,"publish":{}}` + "\n" + `{"push":{"channel":"news","pub":{"offset":5,"data":{"headline":"x"}}}}`)

	replies, err := decodeReplies(data)
	if err != nil {
		t.Fatalf("decodeReplies failed: %v", err)
	}
	if len(replies) != 2 {
		t.Fatalf("got %d replies, want 2", len(replies))
	}

	if replies[0].ID != 2 {
		t.Errorf("first reply ID = %d, want 2", replies[0].ID)
	}
	push := replies[1].Push
	if push == nil {
		t.Fatal("second reply has no push")
	}
	if push.Channel != "news" {
		t.Errorf("push channel = %q, want %q", push.Channel, "news")
	}
	if push.Pub == nil || push.Pub.Offset != 5 {
		t.Errorf("push pub = %+v, want offset 5", push.Pub)
	}
}

func TestDecodeReplies_Malformed(t *testing.T) {
	replies, err := decodeReplies([]byte(`{"id":`))
	if err == nil {
		t.Fatal("expected error for malformed frame")
	}
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("error = %v, want ErrMalformedFrame", err)
	}
	if len(replies) != 0 {
		t.Errorf("got %d replies from garbage frame, want 0", len(replies))
	}
}

func TestDecodeReplies_MalformedLineKeepsOthers(t *testing.T) {
	data := []byte(`{"id":2,"publish":{}}` + "\n" + `not json` + "\n" + `{"push":{"channel":"news","pub":{"offset":5,"data":{}}}}`)

	replies, err := decodeReplies(data)
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("error = %v, want ErrMalformedFrame", err)
	}
	if len(replies) != 2 {
		t.Fatalf("got %d replies, want the 2 parseable lines", len(replies))
	}
	if replies[0].ID != 2 {
		t.Errorf("first reply ID = %d, want 2", replies[0].ID)
	}
	if replies[1].Push == nil || replies[1].Push.Channel != "news" {
		t.Errorf("second reply = %+v, want news push", replies[1])
	}
}

func TestDecodeReplies_PingFrame(t *testing.T) {
	replies, err := decodeReplies([]byte(`{}`))
	if err != nil {
		t.Fatalf("decodeReplies failed: %v", err)
	}
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	if !replies[0].isPing() {
		t.Error("empty reply should be a ping")
	}
}

func TestDecodeReplies_ErrorReply(t *testing.T) {
	data := []byte(`{"id":3,"error":{"code":103,"message":"permission denied"}}`)

	replies, err := decodeReplies(data)
	if err != nil {
		t.Fatalf("decodeReplies failed: %v", err)
	}
	e := replies[0].Error
	if e == nil {
		t.Fatal("Error is nil")
	}
	if e.Code != 103 || e.Message != "permission denied" {
		t.Errorf("error = %+v, want code 103 permission denied", e)
	}
}

func TestEncodeCommand(t *testing.T) {
	cmd := &command{
		ID: 7,
		Subscribe: &subscribeRequest{
			Channel: "news",
			Recover: true,
			Offset:  5,
			Epoch:   "e1",
		},
	}

	data, err := encodeCommand(cmd)
	if err != nil {
		t.Fatalf("encodeCommand failed: %v", err)
	}

	var decoded struct {
		ID        uint32 `json:"id"`
		Subscribe *struct {
			Channel string `json:"channel"`
			Recover bool   `json:"recover"`
			Offset  uint64 `json:"offset"`
			Epoch   string `json:"epoch"`
		} `json:"subscribe"`
		Publish json.RawMessage `json:"publish"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal encoded command: %v", err)
	}

	if decoded.ID != 7 {
		t.Errorf("id = %d, want 7", decoded.ID)
	}
	if decoded.Subscribe == nil {
		t.Fatal("subscribe section missing")
	}
	if decoded.Subscribe.Channel != "news" {
		t.Errorf("channel = %q, want %q", decoded.Subscribe.Channel, "news")
	}
	if !decoded.Subscribe.Recover || decoded.Subscribe.Offset != 5 || decoded.Subscribe.Epoch != "e1" {
		t.Errorf("recovery fields = %+v, want recover/5/e1", decoded.Subscribe)
	}
	if decoded.Publish != nil {
		t.Error("unset method sections must be omitted")
	}
}
