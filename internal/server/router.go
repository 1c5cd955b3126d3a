package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/Tyrowin/investor-relay/internal/state"
)

const inboundBufferSize = 256

// Deliverer sends encoded frames to resolved recipients. *Hub implements it.
type Deliverer interface {
	Deliver(out Outbound)
}

type inboundKind int

const (
	kindFrame inboundKind = iota
	kindConnect
	kindDisconnect
)

// Inbound is one transport event for the router. Err is set when the
// transport already rejected the frame (undecodable JSON, rate limit).
type Inbound struct {
	Conn  state.ConnID
	Event string
	Data  json.RawMessage
	Err   error

	kind inboundKind
	meta ClientMeta
}

type connPhase int

const (
	phaseUnidentified connPhase = iota
	phaseIdentified
	phaseDetached
)

func (p connPhase) String() string {
	switch p {
	case phaseUnidentified:
		return "unidentified"
	case phaseIdentified:
		return "identified"
	default:
		return "detached"
	}
}

type connState struct {
	phase      connPhase
	investorID string
	meta       ClientMeta
}

// Audience names who receives an event. Investor audiences are resolved to
// the connection currently bound to that investor at emit time.
type Audience struct {
	admins   bool
	investor string
	conn     state.ConnID
}

// AllAdmins addresses every admin observer.
func AllAdmins() Audience { return Audience{admins: true} }

// SingleInvestor addresses the live connection of one investor.
func SingleInvestor(investorID string) Audience { return Audience{investor: investorID} }

// AdminsAndInvestor addresses every admin observer plus one investor.
func AdminsAndInvestor(investorID string) Audience {
	return Audience{admins: true, investor: investorID}
}

// Sender addresses the connection an event came from.
func Sender(conn state.ConnID) Audience { return Audience{conn: conn} }

type uploadRequest struct {
	meta  state.UploadMeta
	reply chan FileUploadedEvent
}

// EventRouter is the connection state machine. A single goroutine (Run)
// applies every mutation of the shared store, so per-conversation order is
// the order in which events were queued.
type EventRouter struct {
	store         *state.Store
	out           Deliverer
	validate      *validator.Validate
	adminRequired bool
	conns         map[state.ConnID]*connState
	inbound       chan Inbound
	uploads       chan uploadRequest
	done          chan struct{}
	log           *slog.Logger
}

// NewEventRouter creates a router over store that emits through out. With
// adminRequired set, admin-message is accepted only from admin connections.
func NewEventRouter(store *state.Store, out Deliverer, adminRequired bool, log *slog.Logger) *EventRouter {
	return &EventRouter{
		store:         store,
		out:           out,
		validate:      validator.New(),
		adminRequired: adminRequired,
		conns:         make(map[state.ConnID]*connState),
		inbound:       make(chan Inbound, inboundBufferSize),
		uploads:       make(chan uploadRequest),
		done:          make(chan struct{}),
		log:           log,
	}
}

// Run processes events until ctx is cancelled.
func (r *EventRouter) Run(ctx context.Context) {
	defer close(r.done)
	r.log.Info("Event router started")

	for {
		select {
		case <-ctx.Done():
			r.log.Info("Event router stopped")
			return
		case in := <-r.inbound:
			r.handle(in)
		case req := <-r.uploads:
			req.reply <- r.recordUpload(req.meta)
		}
	}
}

// Done is closed when Run returns.
func (r *EventRouter) Done() <-chan struct{} {
	return r.done
}

// Dispatch queues a decoded frame.
func (r *EventRouter) Dispatch(in Inbound) error {
	in.kind = kindFrame
	return r.enqueue(in)
}

// Connect registers a new connection in the unidentified state.
func (r *EventRouter) Connect(meta ClientMeta) error {
	return r.enqueue(Inbound{Conn: meta.Conn, kind: kindConnect, meta: meta})
}

// Disconnect detaches a connection. Repeated calls are harmless.
func (r *EventRouter) Disconnect(conn state.ConnID) error {
	return r.enqueue(Inbound{Conn: conn, kind: kindDisconnect})
}

func (r *EventRouter) enqueue(in Inbound) error {
	select {
	case <-r.done:
		return ErrRouterStopped
	default:
	}
	select {
	case r.inbound <- in:
		return nil
	case <-r.done:
		return ErrRouterStopped
	}
}

// RecordUpload stores upload metadata through the router loop and announces it.
func (r *EventRouter) RecordUpload(ctx context.Context, meta state.UploadMeta) (FileUploadedEvent, error) {
	reply := make(chan FileUploadedEvent, 1)
	select {
	case r.uploads <- uploadRequest{meta: meta, reply: reply}:
	case <-ctx.Done():
		return FileUploadedEvent{}, ctx.Err()
	case <-r.done:
		return FileUploadedEvent{}, ErrRouterStopped
	}
	// The loop answers every accepted request before it looks at anything else.
	return <-reply, nil
}

func (r *EventRouter) handle(in Inbound) {
	switch in.kind {
	case kindConnect:
		r.conns[in.Conn] = &connState{phase: phaseUnidentified, meta: in.meta}
	case kindDisconnect:
		r.handleDisconnect(in.Conn)
	default:
		r.handleFrame(in)
	}
}

func (r *EventRouter) connection(conn state.ConnID) *connState {
	cs, ok := r.conns[conn]
	if !ok {
		cs = &connState{phase: phaseUnidentified, meta: ClientMeta{Conn: conn}}
		r.conns[conn] = cs
	}
	return cs
}

func (r *EventRouter) handleFrame(in Inbound) {
	cs := r.connection(in.Conn)
	if in.Err != nil {
		r.reject(in.Conn, in.Event, in.Err)
		return
	}

	var err error
	switch in.Event {
	case EventInvestorJoin:
		err = r.handleJoin(in.Conn, cs, in.Data)
	case EventInvestorMessage:
		err = r.handleInvestorMessage(cs, in.Data)
	case EventAdminMessage:
		err = r.handleAdminMessage(cs, in.Data)
	case EventFileUploadStart:
		r.handleUploadStart(in.Data)
	default:
		err = fmt.Errorf("%w: unknown event %q", ErrInvalidEvent, in.Event)
	}
	if err != nil {
		r.reject(in.Conn, in.Event, err)
	}
}

func (r *EventRouter) handleJoin(conn state.ConnID, cs *connState, data json.RawMessage) error {
	var p JoinPayload
	if err := r.decode(data, &p); err != nil {
		return err
	}

	previous := ""
	if cs.phase == phaseIdentified {
		previous = cs.investorID
		if p.InvestorID == "" {
			p.InvestorID = previous
		}
	}

	res := r.store.Sessions.Join(p.InvestorID, conn, state.ClientInfo{
		RemoteAddr: cs.meta.Addr,
		UserAgent:  cs.meta.UserAgent,
	})
	investorID := res.Session.InvestorID
	r.store.Conversations.Open(investorID)
	cs.phase = phaseIdentified
	cs.investorID = investorID

	if res.Replaced != "" {
		if old, ok := r.conns[res.Replaced]; ok && old.investorID == investorID {
			old.phase = phaseUnidentified
			old.investorID = ""
		}
		r.log.Info("Investor session moved to new connection", "investor_id", investorID, "replaced", res.Replaced)
	}
	if previous != "" && previous != investorID {
		r.emit(AllAdmins(), EventInvestorLeft, InvestorLeftEvent{InvestorID: previous})
	}

	outcome := res.Outcome.String()
	r.emit(Sender(conn), EventInvestorJoined, InvestorJoinedEvent{InvestorID: investorID, Outcome: outcome})
	r.emit(AllAdmins(), EventNewInvestor, NewInvestorEvent{
		InvestorID: investorID,
		JoinTime:   res.Session.JoinedAt,
		IP:         res.Session.RemoteAddr,
		Outcome:    outcome,
	})
	r.log.Info("Investor joined", "investor_id", investorID, "outcome", outcome)
	return nil
}

func (r *EventRouter) handleInvestorMessage(cs *connState, data json.RawMessage) error {
	if cs.phase != phaseIdentified {
		return ErrNotIdentified
	}
	var p InvestorMessagePayload
	if err := r.decode(data, &p); err != nil {
		return err
	}

	msg, err := r.store.Conversations.Append(cs.investorID, state.SenderInvestor, p.Message)
	if err != nil {
		return err
	}
	r.emit(AllAdmins(), EventNewMessage, msg)
	r.log.Debug("Investor message", "investor_id", cs.investorID, "message_id", msg.ID)
	return nil
}

func (r *EventRouter) handleAdminMessage(cs *connState, data json.RawMessage) error {
	if r.adminRequired && !cs.meta.Admin {
		return ErrForbidden
	}
	var p AdminMessagePayload
	if err := r.decode(data, &p); err != nil {
		return err
	}

	msg, err := r.store.Conversations.Append(p.InvestorID, state.SenderAdmin, p.Message)
	if err != nil {
		return err
	}
	r.emit(SingleInvestor(p.InvestorID), EventAdminMessage, msg)
	r.emit(AllAdmins(), EventNewMessage, msg)
	r.log.Debug("Admin message", "investor_id", p.InvestorID, "message_id", msg.ID)
	return nil
}

func (r *EventRouter) handleUploadStart(data json.RawMessage) {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	r.emit(AllAdmins(), EventFileUploadStart, data)
}

func (r *EventRouter) handleDisconnect(conn state.ConnID) {
	cs, ok := r.conns[conn]
	if !ok {
		return
	}
	delete(r.conns, conn)

	wasIdentified := cs.phase == phaseIdentified
	cs.phase = phaseDetached
	if !wasIdentified {
		return
	}

	s, changed := r.store.Sessions.MarkDisconnected(conn)
	if !changed {
		return
	}
	r.emit(AllAdmins(), EventInvestorLeft, InvestorLeftEvent{InvestorID: s.InvestorID})
	r.log.Info("Investor left", "investor_id", s.InvestorID)
}

func (r *EventRouter) recordUpload(meta state.UploadMeta) FileUploadedEvent {
	f := r.store.Uploads.Record(meta)
	ev := FileUploadedEvent{UploadedFile: f, URL: uploadURL(f.Filename)}

	audience := AllAdmins()
	if f.InvestorID != state.UnknownUploader {
		audience = AdminsAndInvestor(f.InvestorID)
	}
	r.emit(audience, EventFileUploaded, ev)
	r.log.Info("File uploaded", "investor_id", f.InvestorID, "file", f.Filename, "size", f.Size)
	return ev
}

func (r *EventRouter) decode(data json.RawMessage, v any) error {
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
	}
	if err := r.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

func (r *EventRouter) reject(conn state.ConnID, event string, err error) {
	code := CodeInvalidEvent
	switch {
	case errors.Is(err, state.ErrUnknownInvestor):
		code = CodeUnknownInvestor
		r.log.Warn("Rejected message for unknown investor", "conn", conn, "event", event, "error", err)
	case errors.Is(err, ErrNotIdentified):
		code = CodeNotIdentified
	case errors.Is(err, ErrForbidden):
		code = CodeForbidden
		r.log.Warn("Rejected admin event from non-admin connection", "conn", conn)
	case errors.Is(err, ErrRateLimited):
		code = CodeRateLimited
	default:
		r.log.Debug("Rejected event", "conn", conn, "event", event, "error", err)
	}
	r.emit(Sender(conn), EventError, ErrorEvent{Code: code, Message: err.Error()})
}

// emit encodes one event and hands it to the deliverer with its resolved target.
func (r *EventRouter) emit(aud Audience, event string, data any) {
	payload, err := json.Marshal(outboundEnvelope{Event: event, Data: data})
	if err != nil {
		r.log.Error("Failed to encode event", "event", event, "error", err)
		return
	}

	target := Target{Admins: aud.admins}
	if aud.investor != "" {
		if s, ok := r.store.Sessions.Get(aud.investor); ok && s.Status == state.StatusActive && s.Conn != "" {
			target.Conns = append(target.Conns, s.Conn)
		} else {
			r.log.Debug("Investor not connected; delivery skipped", "investor_id", aud.investor, "event", event)
		}
	}
	if aud.conn != "" {
		target.Conns = append(target.Conns, aud.conn)
	}
	if !target.Admins && len(target.Conns) == 0 {
		return
	}
	r.out.Deliver(Outbound{Target: target, Payload: payload})
}

func uploadURL(filename string) string {
	return "/uploads/" + filename
}
