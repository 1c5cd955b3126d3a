package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/investor-relay/internal/state"
)

type recordedFrame struct {
	Target Target
	Event  string
	Data   json.RawMessage
}

type recordingDeliverer struct {
	mu     sync.Mutex
	frames []recordedFrame
}

func (d *recordingDeliverer) Deliver(out Outbound) {
	var env Envelope
	if err := json.Unmarshal(out.Payload, &env); err != nil {
		panic(err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames = append(d.frames, recordedFrame{Target: out.Target, Event: env.Event, Data: env.Data})
}

func (d *recordingDeliverer) take() []recordedFrame {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.frames
	d.frames = nil
	return out
}

func (d *recordingDeliverer) byEvent(event string) []recordedFrame {
	var out []recordedFrame
	for _, f := range d.take() {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T, adminRequired bool) (*EventRouter, *recordingDeliverer, *state.Store) {
	t.Helper()
	store := state.NewStore()
	out := &recordingDeliverer{}
	return NewEventRouter(store, out, adminRequired, discardLogger()), out, store
}

func frame(conn state.ConnID, event string, data any) Inbound {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	return Inbound{Conn: conn, Event: event, Data: raw, kind: kindFrame}
}

func connect(r *EventRouter, conn state.ConnID, admin bool) {
	r.handle(Inbound{Conn: conn, kind: kindConnect, meta: ClientMeta{Conn: conn, Addr: "10.0.0.9", UserAgent: "ua", Admin: admin}})
}

func join(t *testing.T, r *EventRouter, out *recordingDeliverer, conn state.ConnID, investorID string) string {
	t.Helper()
	r.handle(frame(conn, EventInvestorJoin, JoinPayload{InvestorID: investorID}))
	acks := out.byEvent(EventInvestorJoined)
	require.Len(t, acks, 1)
	var ack InvestorJoinedEvent
	require.NoError(t, json.Unmarshal(acks[0].Data, &ack))
	return ack.InvestorID
}

func decodeError(t *testing.T, f recordedFrame) ErrorEvent {
	t.Helper()
	var e ErrorEvent
	require.NoError(t, json.Unmarshal(f.Data, &e))
	return e
}

// TestJoinAnnouncesToAdminsAndAcknowledgesSender verifies the fan-out of a first join.
func TestJoinAnnouncesToAdminsAndAcknowledgesSender(t *testing.T) {
	r, out, store := newTestRouter(t, false)
	connect(r, "c1", false)

	r.handle(frame("c1", EventInvestorJoin, map[string]any{}))
	frames := out.take()
	require.Len(t, frames, 2)

	assert.Equal(t, EventInvestorJoined, frames[0].Event)
	assert.Equal(t, Target{Conns: []state.ConnID{"c1"}}, frames[0].Target)

	assert.Equal(t, EventNewInvestor, frames[1].Event)
	assert.Equal(t, Target{Admins: true}, frames[1].Target)
	var ev NewInvestorEvent
	require.NoError(t, json.Unmarshal(frames[1].Data, &ev))
	assert.Contains(t, ev.InvestorID, "inv_")
	assert.Equal(t, "10.0.0.9", ev.IP)
	assert.Equal(t, "created", ev.Outcome)

	s, ok := store.Sessions.Get(ev.InvestorID)
	require.True(t, ok)
	assert.Equal(t, state.StatusActive, s.Status)
	assert.True(t, store.Conversations.Exists(ev.InvestorID))
}

// TestDuplicateJoinKeepsSingleSession verifies idempotent joins through the router.
func TestDuplicateJoinKeepsSingleSession(t *testing.T) {
	r, out, store := newTestRouter(t, false)
	connect(r, "c1", false)

	join(t, r, out, "c1", "inv_7")
	r.handle(frame("c1", EventInvestorJoin, JoinPayload{InvestorID: "inv_7"}))
	r.handle(frame("c1", EventInvestorJoin, JoinPayload{}))

	announcements := out.byEvent(EventNewInvestor)
	require.Len(t, announcements, 2)
	var ev NewInvestorEvent
	require.NoError(t, json.Unmarshal(announcements[1].Data, &ev))
	assert.Equal(t, "inv_7", ev.InvestorID, "empty id on an identified connection keeps its identity")
	assert.Equal(t, "reactivated", ev.Outcome)

	assert.Len(t, store.Sessions.List(), 1)
}

// TestInvestorMessageRequiresJoin verifies the unidentified state rejects chat.
func TestInvestorMessageRequiresJoin(t *testing.T) {
	r, out, store := newTestRouter(t, false)
	connect(r, "c1", false)

	r.handle(frame("c1", EventInvestorMessage, InvestorMessagePayload{Message: "hello"}))

	frames := out.take()
	require.Len(t, frames, 1)
	assert.Equal(t, EventError, frames[0].Event)
	assert.Equal(t, Target{Conns: []state.ConnID{"c1"}}, frames[0].Target)
	assert.Equal(t, CodeNotIdentified, decodeError(t, frames[0]).Code)
	assert.Empty(t, store.Sessions.List())
}

// TestInvestorMessageIsStoredAndBroadcast verifies the investor chat path.
func TestInvestorMessageIsStoredAndBroadcast(t *testing.T) {
	r, out, store := newTestRouter(t, false)
	connect(r, "c1", false)
	id := join(t, r, out, "c1", "")
	out.take()

	r.handle(frame("c1", EventInvestorMessage, InvestorMessagePayload{Message: "hello"}))

	frames := out.take()
	require.Len(t, frames, 1)
	assert.Equal(t, EventNewMessage, frames[0].Event)
	assert.Equal(t, Target{Admins: true}, frames[0].Target)

	msgs := store.Conversations.Get(id)
	require.Len(t, msgs, 1)
	assert.Equal(t, state.SenderInvestor, msgs[0].Sender)
	assert.Equal(t, "hello", msgs[0].Content)
}

// TestAdminMessageToUnknownInvestorIsRejected verifies admins cannot open conversations.
func TestAdminMessageToUnknownInvestorIsRejected(t *testing.T) {
	r, out, store := newTestRouter(t, false)
	connect(r, "admin", true)

	r.handle(frame("admin", EventAdminMessage, AdminMessagePayload{InvestorID: "inv_ghost", Message: "hi"}))

	frames := out.take()
	require.Len(t, frames, 1)
	assert.Equal(t, EventError, frames[0].Event)
	assert.Equal(t, CodeUnknownInvestor, decodeError(t, frames[0]).Code)
	assert.False(t, store.Conversations.Exists("inv_ghost"))
}

// TestAdminMessageTargetsBoundConnection verifies targeted delivery plus the admin sync broadcast.
func TestAdminMessageTargetsBoundConnection(t *testing.T) {
	r, out, store := newTestRouter(t, false)
	connect(r, "inv-conn", false)
	connect(r, "admin", true)
	id := join(t, r, out, "inv-conn", "")
	out.take()

	r.handle(frame("admin", EventAdminMessage, AdminMessagePayload{InvestorID: id, Message: "hi"}))

	frames := out.take()
	require.Len(t, frames, 2)
	assert.Equal(t, EventAdminMessage, frames[0].Event)
	assert.Equal(t, Target{Conns: []state.ConnID{"inv-conn"}}, frames[0].Target)
	assert.Equal(t, EventNewMessage, frames[1].Event)
	assert.Equal(t, Target{Admins: true}, frames[1].Target)

	msgs := store.Conversations.Get(id)
	require.Len(t, msgs, 1)
	assert.Equal(t, state.SenderAdmin, msgs[0].Sender)
}

// TestAdminMessageToOfflineInvestorIsStoredOnly verifies store-then-best-effort delivery.
func TestAdminMessageToOfflineInvestorIsStoredOnly(t *testing.T) {
	r, out, store := newTestRouter(t, false)
	connect(r, "inv-conn", false)
	connect(r, "admin", true)
	id := join(t, r, out, "inv-conn", "")
	r.handle(Inbound{Conn: "inv-conn", kind: kindDisconnect})
	out.take()

	r.handle(frame("admin", EventAdminMessage, AdminMessagePayload{InvestorID: id, Message: "are you there?"}))

	frames := out.take()
	require.Len(t, frames, 1, "only the admin sync broadcast is emitted")
	assert.Equal(t, EventNewMessage, frames[0].Event)
	assert.Len(t, store.Conversations.Get(id), 1)
}

// TestDisconnectTransitions verifies presence changes and tolerance of repeated disconnects.
func TestDisconnectTransitions(t *testing.T) {
	r, out, store := newTestRouter(t, false)
	connect(r, "c1", false)
	connect(r, "anon", false)
	id := join(t, r, out, "c1", "")
	out.take()

	r.handle(Inbound{Conn: "anon", kind: kindDisconnect})
	assert.Empty(t, out.take(), "unidentified connections leave silently")

	r.handle(Inbound{Conn: "c1", kind: kindDisconnect})
	left := out.byEvent(EventInvestorLeft)
	require.Len(t, left, 1)
	var ev InvestorLeftEvent
	require.NoError(t, json.Unmarshal(left[0].Data, &ev))
	assert.Equal(t, id, ev.InvestorID)

	r.handle(Inbound{Conn: "c1", kind: kindDisconnect})
	assert.Empty(t, out.take(), "second disconnect is a no-op")

	s, ok := store.Sessions.Get(id)
	require.True(t, ok)
	assert.Equal(t, state.StatusInactive, s.Status)
}

// TestReconnectPreservesHistory verifies history survives a disconnect/rejoin cycle.
func TestReconnectPreservesHistory(t *testing.T) {
	r, out, store := newTestRouter(t, false)
	connect(r, "c1", false)
	id := join(t, r, out, "c1", "")
	r.handle(frame("c1", EventInvestorMessage, InvestorMessagePayload{Message: "one"}))
	r.handle(frame("c1", EventInvestorMessage, InvestorMessagePayload{Message: "two"}))
	before := store.Conversations.Get(id)
	r.handle(Inbound{Conn: "c1", kind: kindDisconnect})

	connect(r, "c2", false)
	assert.Equal(t, id, join(t, r, out, "c2", id))
	r.handle(frame("c2", EventInvestorMessage, InvestorMessagePayload{Message: "three"}))

	after := store.Conversations.Get(id)
	require.Len(t, after, 3)
	assert.Equal(t, before, after[:2])
	assert.Equal(t, "three", after[2].Content)
	assert.Len(t, store.Sessions.List(), 1)
}

// TestTakeoverIgnoresStaleDisconnect verifies a late disconnect of a replaced connection.
func TestTakeoverIgnoresStaleDisconnect(t *testing.T) {
	r, out, store := newTestRouter(t, false)
	connect(r, "old", false)
	connect(r, "new", false)
	id := join(t, r, out, "old", "")
	join(t, r, out, "new", id)
	out.take()

	r.handle(frame("old", EventInvestorMessage, InvestorMessagePayload{Message: "from old"}))
	errs := out.byEvent(EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeNotIdentified, decodeError(t, errs[0]).Code)

	r.handle(Inbound{Conn: "old", kind: kindDisconnect})
	assert.Empty(t, out.byEvent(EventInvestorLeft))

	s, _ := store.Sessions.Get(id)
	assert.Equal(t, state.StatusActive, s.Status)
	assert.Equal(t, state.ConnID("new"), s.Conn)
}

// TestRejoinUnderNewIDAnnouncesLeave verifies switching identity on one connection.
func TestRejoinUnderNewIDAnnouncesLeave(t *testing.T) {
	r, out, store := newTestRouter(t, false)
	connect(r, "c1", false)
	join(t, r, out, "c1", "inv_a")
	out.take()

	r.handle(frame("c1", EventInvestorJoin, JoinPayload{InvestorID: "inv_b"}))
	left := out.byEvent(EventInvestorLeft)
	require.Len(t, left, 1)
	assert.JSONEq(t, `{"investorId":"inv_a"}`, string(left[0].Data))

	a, _ := store.Sessions.Get("inv_a")
	assert.Equal(t, state.StatusInactive, a.Status)
}

// TestAdminCapabilityRequired verifies the optional admin token gate.
func TestAdminCapabilityRequired(t *testing.T) {
	r, out, store := newTestRouter(t, true)
	connect(r, "inv-conn", false)
	connect(r, "admin", true)
	id := join(t, r, out, "inv-conn", "")
	out.take()

	r.handle(frame("inv-conn", EventAdminMessage, AdminMessagePayload{InvestorID: id, Message: "spoof"}))
	frames := out.take()
	require.Len(t, frames, 1)
	assert.Equal(t, CodeForbidden, decodeError(t, frames[0]).Code)
	assert.Empty(t, store.Conversations.Get(id))

	r.handle(frame("admin", EventAdminMessage, AdminMessagePayload{InvestorID: id, Message: "real"}))
	assert.Len(t, store.Conversations.Get(id), 1)
}

// TestInvalidEventsAreRejected verifies validation failures reach the sender only.
func TestInvalidEventsAreRejected(t *testing.T) {
	tests := []struct {
		name string
		in   Inbound
	}{
		{name: "unknown event", in: frame("c1", "bogus", map[string]any{})},
		{name: "admin message without investor", in: frame("c1", EventAdminMessage, map[string]any{"message": "x"})},
		{name: "admin message without content", in: frame("c1", EventAdminMessage, map[string]any{"investorId": "inv_1"})},
		{name: "payload of wrong type", in: Inbound{Conn: "c1", Event: EventInvestorJoin, Data: json.RawMessage(`"nope"`)}},
		{name: "transport decode error", in: Inbound{Conn: "c1", Err: ErrInvalidEvent}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, out, store := newTestRouter(t, false)
			connect(r, "c1", true)

			r.handle(tt.in)

			frames := out.take()
			require.Len(t, frames, 1)
			assert.Equal(t, EventError, frames[0].Event)
			assert.Equal(t, Target{Conns: []state.ConnID{"c1"}}, frames[0].Target)
			assert.Equal(t, CodeInvalidEvent, decodeError(t, frames[0]).Code)
			assert.Empty(t, store.Sessions.List())
		})
	}
}

// TestRateLimitedEventReportsCode verifies the transport's rate-limit signal.
func TestRateLimitedEventReportsCode(t *testing.T) {
	r, out, _ := newTestRouter(t, false)
	r.handle(Inbound{Conn: "c1", Err: ErrRateLimited})

	frames := out.take()
	require.Len(t, frames, 1)
	assert.Equal(t, CodeRateLimited, decodeError(t, frames[0]).Code)
}

// TestFileUploadStartIsRelayed verifies the advisory relay leaves state untouched.
func TestFileUploadStartIsRelayed(t *testing.T) {
	r, out, store := newTestRouter(t, false)
	connect(r, "c1", false)

	r.handle(frame("c1", EventFileUploadStart, map[string]any{"name": "proof.jpg"}))

	frames := out.take()
	require.Len(t, frames, 1)
	assert.Equal(t, EventFileUploadStart, frames[0].Event)
	assert.Equal(t, Target{Admins: true}, frames[0].Target)
	assert.JSONEq(t, `{"name":"proof.jpg"}`, string(frames[0].Data))
	assert.Empty(t, store.Sessions.List())
}

// TestRunLoopProcessesEventsAndUploads exercises the queued path end to end.
func TestRunLoopProcessesEventsAndUploads(t *testing.T) {
	r, out, store := newTestRouter(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)

	require.NoError(t, r.Connect(ClientMeta{Conn: "c1"}))
	require.NoError(t, r.Dispatch(frame("c1", EventInvestorJoin, JoinPayload{InvestorID: "inv_x"})))
	for _, m := range []string{"a", "b", "c"} {
		require.NoError(t, r.Dispatch(frame("c1", EventInvestorMessage, InvestorMessagePayload{Message: m})))
	}

	require.Eventually(t, func() bool {
		return len(store.Conversations.Get("inv_x")) == 3
	}, time.Second, 5*time.Millisecond)

	ev, err := r.RecordUpload(ctx, state.UploadMeta{Filename: "1-abc.jpg", OriginalName: "proof.jpg", Size: 2048, InvestorID: "inv_x"})
	require.NoError(t, err)
	assert.Equal(t, "/uploads/1-abc.jpg", ev.URL)
	assert.Equal(t, "inv_x", ev.InvestorID)

	msgs := store.Conversations.Get("inv_x")
	assert.Equal(t, "a", msgs[0].Content)
	assert.Equal(t, "c", msgs[2].Content)

	uploaded := out.byEvent(EventFileUploaded)
	require.Len(t, uploaded, 1)
	assert.Equal(t, Target{Admins: true, Conns: []state.ConnID{"c1"}}, uploaded[0].Target)

	cancel()
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("router did not stop")
	}
	assert.ErrorIs(t, r.Dispatch(frame("c1", EventInvestorMessage, InvestorMessagePayload{Message: "late"})), ErrRouterStopped)
	_, err = r.RecordUpload(context.Background(), state.UploadMeta{Filename: "x"})
	assert.ErrorIs(t, err, ErrRouterStopped)
}

func TestConnPhaseString(t *testing.T) {
	assert.Equal(t, "unidentified", phaseUnidentified.String())
	assert.Equal(t, "identified", phaseIdentified.String())
	assert.Equal(t, "detached", phaseDetached.String())
}
