// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package retry

import (
	"testing"
	"time"

	"github.com/edgegate/edgegate/lib/protocol"
)

type publishRecorder struct {
	msgs []protocol.Message
}

func (r *publishRecorder) publish(msg protocol.Message) {
	r.msgs = append(r.msgs, msg)
}

// testTracker returns a tracker with a controllable clock. Advancing the
// clock and calling scan stands in for the timer loop.
func testTracker() (*Tracker, *publishRecorder, *time.Time) {
	rec := &publishRecorder{}
	t := NewTracker(rec.publish)
	now := time.Now()
	t.now = func() time.Time { return now }
	return t, rec, &now
}

func TestExpectPublishesImmediately(t *testing.T) {
	tr, rec, _ := testTracker()

	msg := protocol.NewMessage("d2p/register_subdevice_request/g/GW/d/dev1", []byte("{}"))
	tr.Expect("p2d/register_subdevice_response/g/GW/d/dev1", msg, nil)

	if len(rec.msgs) != 1 {
		t.Fatalf("%d messages published, expected 1", len(rec.msgs))
	}
	if tr.Pending() != 1 {
		t.Errorf("%d pending, expected 1", tr.Pending())
	}
}

func TestSettleStopsRepublication(t *testing.T) {
	tr, rec, now := testTracker()

	tr.Expect("resp/ch", protocol.NewMessage("req/ch", nil), nil)
	if !tr.Settle("resp/ch") {
		t.Fatal("expected a pending entry to settle")
	}
	if tr.Settle("resp/ch") {
		t.Error("second settle should find nothing")
	}

	*now = now.Add(time.Minute)
	tr.scan()
	if len(rec.msgs) != 1 {
		t.Errorf("%d messages published, expected only the original", len(rec.msgs))
	}
}

func TestRepublishOnTimeout(t *testing.T) {
	tr, rec, now := testTracker()

	tr.Expect("resp/ch", protocol.NewMessage("req/ch", nil), nil)

	// Not yet expired.
	tr.scan()
	if len(rec.msgs) != 1 {
		t.Fatalf("%d messages published before any deadline, expected 1", len(rec.msgs))
	}

	*now = now.Add(DefaultTimeout + time.Millisecond)
	tr.scan()
	if len(rec.msgs) != 2 {
		t.Fatalf("%d messages published after first deadline, expected 2", len(rec.msgs))
	}
	if tr.Pending() != 1 {
		t.Errorf("entry vanished before retries were exhausted")
	}
}

func TestGiveUpAfterRetries(t *testing.T) {
	tr, rec, now := testTracker()

	gaveUp := false
	tr.Expect("resp/ch", protocol.NewMessage("req/ch", nil), func() { gaveUp = true })

	// Each expiry consumes one retry; the last expiry gives up instead.
	for i := 0; i < DefaultRetries+1; i++ {
		*now = now.Add(DefaultTimeout + time.Millisecond)
		tr.scan()
	}

	if want := 1 + DefaultRetries; len(rec.msgs) != want {
		t.Errorf("%d publications, expected %d", len(rec.msgs), want)
	}
	if !gaveUp {
		t.Error("give-up callback not invoked")
	}
	if tr.Pending() != 0 {
		t.Errorf("%d pending after give-up, expected 0", tr.Pending())
	}
}

func TestCancelDropsSilently(t *testing.T) {
	tr, rec, now := testTracker()

	gaveUp := false
	tr.Expect("resp/ch", protocol.NewMessage("req/ch", nil), func() { gaveUp = true })
	tr.Cancel("resp/ch")

	*now = now.Add(time.Minute)
	tr.scan()

	if gaveUp {
		t.Error("cancel must not trigger the give-up callback")
	}
	if len(rec.msgs) != 1 {
		t.Errorf("%d publications after cancel, expected 1", len(rec.msgs))
	}
}

func TestExpectReplacesPrevious(t *testing.T) {
	tr, rec, now := testTracker()

	tr.Expect("resp/ch", protocol.NewMessage("req/1", nil), nil)
	tr.Expect("resp/ch", protocol.NewMessage("req/2", nil), nil)

	*now = now.Add(DefaultTimeout + time.Millisecond)
	tr.scan()

	last := rec.msgs[len(rec.msgs)-1]
	if last.Channel != "req/2" {
		t.Errorf("republished %s, expected the replacement request", last.Channel)
	}
	if tr.Pending() != 1 {
		t.Errorf("%d pending, expected 1", tr.Pending())
	}
}
