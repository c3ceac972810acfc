package centrifuge

import (
	"errors"
	"testing"
)

func TestDispatcher_IDsStartAtOne(t *testing.T) {
	d := newDispatcher(nil)

	if id := d.next(); id != 1 {
		t.Errorf("first id = %d, want 1", id)
	}
	if id := d.next(); id != 2 {
		t.Errorf("second id = %d, want 2", id)
	}
}

func TestDispatcher_CorrelatesRepliesOutOfOrder(t *testing.T) {
	d := newDispatcher(nil)

	id1 := d.next()
	id2 := d.next()
	p1 := d.register(id1, false)
	p2 := d.register(id2, false)

	// Replies arrive in reverse order.
	d.resolve(&reply{ID: id2, Publish: &publishResult{}})
	d.resolve(&reply{ID: id1, History: &historyResult{Offset: 42}})

	res1 := <-p1.ch
	if res1.err != nil || res1.reply.History == nil || res1.reply.History.Offset != 42 {
		t.Errorf("caller 1 got %+v, want history offset 42", res1)
	}

	res2 := <-p2.ch
	if res2.err != nil || res2.reply.Publish == nil {
		t.Errorf("caller 2 got %+v, want publish result", res2)
	}
}

func TestDispatcher_LateReplyDropped(t *testing.T) {
	d := newDispatcher(nil)

	id := d.next()
	d.register(id, false)
	d.remove(id)

	if p := d.resolve(&reply{ID: id}); p != nil {
		t.Error("resolve after remove should return nil")
	}
}

func TestDispatcher_FailAll(t *testing.T) {
	d := newDispatcher(nil)

	p1 := d.register(d.next(), false)
	p2 := d.register(d.next(), false)

	d.failAll(ErrConnectionLost)

	for i, p := range []*pendingReply{p1, p2} {
		res := <-p.ch
		if !errors.Is(res.err, ErrConnectionLost) {
			t.Errorf("caller %d got %v, want ErrConnectionLost", i+1, res.err)
		}
	}

	// Map is cleared: a late reply finds nothing.
	if p := d.resolve(&reply{ID: 1}); p != nil {
		t.Error("resolve after failAll should return nil")
	}
}
