package logingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/piwheels/master/pkg/catalog"
	"github.com/piwheels/master/pkg/observability"
	"github.com/piwheels/master/pkg/transport"
)

type fakeDB struct {
	mu     sync.Mutex
	events []catalog.AccessEvent
}

func (f *fakeDB) LogAccessEvent(ctx context.Context, e catalog.AccessEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeDB) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func newTestIngest(db *fakeDB) *Ingest {
	logger := observability.NewLogger(observability.InfoLevel, nil)
	return New(logger, db, Config{})
}

func TestHandleLogDownloadPersistsEvent(t *testing.T) {
	db := &fakeDB{}
	ing := newTestIngest(db)

	err := ing.handle(context.Background(), transport.Envelope{
		Msg: MsgLogDownload,
		Data: map[string]interface{}{
			"package":    "foo",
			"filename":   "foo-1.0-cp311-cp311-linux_armv7l.whl",
			"client_ip":  "10.0.0.1",
			"user_agent": "pip/24.0",
		},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if db.count() != 1 {
		t.Fatalf("expected one event persisted, got %d", db.count())
	}
	if db.events[0].Kind != catalog.EventDownload || db.events[0].Package != "foo" {
		t.Fatalf("unexpected event: %+v", db.events[0])
	}
	if db.events[0].Timestamp.IsZero() {
		t.Fatal("expected a defaulted timestamp")
	}
}

func TestHandleUnknownMessageErrors(t *testing.T) {
	db := &fakeDB{}
	ing := newTestIngest(db)

	err := ing.handle(context.Background(), transport.Envelope{Msg: "LOGBOGUS"})
	if err == nil {
		t.Fatal("expected an error for an unrecognized message")
	}
	if db.count() != 0 {
		t.Fatalf("expected no event persisted, got %d", db.count())
	}
}

func TestHandleAllFiveMessageKindsMapCorrectly(t *testing.T) {
	db := &fakeDB{}
	ing := newTestIngest(db)

	cases := []struct {
		msg  string
		kind catalog.EventKind
	}{
		{MsgLogDownload, catalog.EventDownload},
		{MsgLogSearch, catalog.EventSearch},
		{MsgLogProject, catalog.EventProject},
		{MsgLogJSON, catalog.EventJSON},
		{MsgLogPage, catalog.EventPage},
	}
	for _, c := range cases {
		if err := ing.handle(context.Background(), transport.Envelope{Msg: c.msg, Data: map[string]interface{}{}}); err != nil {
			t.Fatalf("handle(%s): %v", c.msg, err)
		}
	}
	if db.count() != len(cases) {
		t.Fatalf("expected %d events, got %d", len(cases), db.count())
	}
	for i, c := range cases {
		if db.events[i].Kind != c.kind {
			t.Fatalf("event %d kind = %q, want %q", i, db.events[i].Kind, c.kind)
		}
	}
}

func TestLogCountersResetsAfterReport(t *testing.T) {
	db := &fakeDB{}
	ing := newTestIngest(db)

	ing.handle(context.Background(), transport.Envelope{Msg: MsgLogDownload, Data: map[string]interface{}{}})
	ing.handle(context.Background(), transport.Envelope{Msg: MsgLogDownload, Data: map[string]interface{}{}})

	ing.mu.Lock()
	before := ing.counters[MsgLogDownload]
	ing.mu.Unlock()
	if before != 2 {
		t.Fatalf("counters[LOGDOWNLOAD] = %d, want 2", before)
	}

	ing.logCounters()

	ing.mu.Lock()
	after := ing.counters[MsgLogDownload]
	ing.mu.Unlock()
	if after != 0 {
		t.Fatalf("counters[LOGDOWNLOAD] after reset = %d, want 0", after)
	}
}

func TestDecodePayloadRoundTrips(t *testing.T) {
	var out accessPayload
	now := time.Now().UTC().Truncate(time.Second)
	err := decodePayload(map[string]interface{}{
		"timestamp": now.Format(time.RFC3339),
		"package":   "bar",
	}, &out)
	if err != nil {
		t.Fatalf("decodePayload: %v", err)
	}
	if out.Package != "bar" {
		t.Fatalf("Package = %q, want bar", out.Package)
	}
	if !out.Timestamp.Equal(now) {
		t.Fatalf("Timestamp = %v, want %v", out.Timestamp, now)
	}
}
