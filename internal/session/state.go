package session

import (
	"context"
	"log/slog"
	"slices"

	"github.com/looplab/fsm"

	"github.com/inercia/myfisker/internal/apierr"
	"github.com/inercia/myfisker/internal/protocol"
)

// Handshake phases.
const (
	PhaseConnecting          = "connecting"
	PhaseAwaitingVerify      = "awaiting_verify"
	PhaseAwaitingProfiles    = "awaiting_profiles"
	PhaseAwaitingDigitalTwin = "awaiting_digital_twin"
	PhaseComplete            = "complete"
	PhaseFailed              = "failed"
)

// Phase transition events.
const (
	eventConnected     = "connected"
	eventVerified      = "verified"
	eventVINDiscovered = "vin_discovered"
	eventComplete      = "complete"
	eventFail          = "fail"
)

// state is the per-run handshake state. It is created for every run and
// never shared, so it needs no locking. The phase machine is the only record
// of progress: the authenticated and VIN-discovered flags are derived from it
// and a message is acted on only when its event is allowed in the current
// phase.
type state struct {
	target protocol.Handler
	token  string
	vin    string

	phase  *fsm.FSM
	logger *slog.Logger
}

func newState(target protocol.Handler, token string, logger *slog.Logger) *state {
	st := &state{
		target: target,
		token:  token,
		logger: logger,
	}
	active := []string{PhaseConnecting, PhaseAwaitingVerify, PhaseAwaitingProfiles, PhaseAwaitingDigitalTwin}
	st.phase = fsm.NewFSM(
		PhaseConnecting,
		fsm.Events{
			{Name: eventConnected, Src: []string{PhaseConnecting}, Dst: PhaseAwaitingVerify},
			{Name: eventVerified, Src: []string{PhaseAwaitingVerify}, Dst: PhaseAwaitingProfiles},
			{Name: eventVINDiscovered, Src: []string{PhaseAwaitingProfiles}, Dst: PhaseAwaitingDigitalTwin},
			{Name: eventComplete, Src: active, Dst: PhaseComplete},
			{Name: eventFail, Src: active, Dst: PhaseFailed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Debug("Handshake phase changed", "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)
	return st
}

// Phase returns the current handshake phase.
func (st *state) Phase() string {
	return st.phase.Current()
}

// authenticated reports whether the backend has accepted the token.
func (st *state) authenticated() bool {
	return slices.Contains([]string{PhaseAwaitingProfiles, PhaseAwaitingDigitalTwin}, st.phase.Current()) || st.vin != ""
}

// vinDiscovered reports whether a VIN has been taken from a profiles response.
func (st *state) vinDiscovered() bool {
	return st.vin != ""
}

// fire moves the phase machine. A rejected event means the run is out of
// step with the transition table and is a protocol error.
func (st *state) fire(ctx context.Context, event string) error {
	from := st.phase.Current()
	if err := st.phase.Event(context.WithoutCancel(ctx), event); err != nil {
		return apierr.Protocol("handshake", event+" not allowed in phase "+from, err)
	}
	return nil
}

// start returns the first outbound message, sent right after connecting.
func (st *state) start(ctx context.Context) (protocol.Envelope, error) {
	if err := st.fire(ctx, eventConnected); err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.EncodeVerifyRequest(st.token), nil
}

// finish records the end of the run. A failure after completion leaves the
// phase at complete.
func (st *state) finish(ctx context.Context, err error) error {
	if err == nil {
		return st.fire(ctx, eventComplete)
	}
	if st.phase.Can(eventFail) {
		_ = st.fire(ctx, eventFail)
	}
	return err
}

// step consumes one inbound message. It returns the message to send next (if
// any) and whether raw is the target response that ends the run.
//
// The target check comes first, so a target response ends the run whatever
// the phase. Otherwise a response is acted on only while the phase machine
// accepts its event; a duplicated verify arrives after awaiting_verify and is
// ignored, so it never triggers a second profiles request.
func (st *state) step(ctx context.Context, raw []byte) (*protocol.Envelope, bool, error) {
	handler, err := protocol.PeekHandler(raw)
	if err != nil {
		return nil, false, err
	}

	if handler == st.target {
		return nil, true, nil
	}

	switch handler {
	case protocol.HandlerVerify:
		if !st.phase.Can(eventVerified) {
			st.logger.Debug("Ignoring verify response", "phase", st.Phase())
			return nil, false, nil
		}
		ok, err := protocol.DecodeVerifyResponse(raw)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			st.logger.Warn("Token was not accepted by the backend, waiting")
			return nil, false, nil
		}
		if err := st.fire(ctx, eventVerified); err != nil {
			return nil, false, err
		}
		out := protocol.EncodeProfilesRequest()
		return &out, false, nil

	case protocol.HandlerProfiles:
		if !st.phase.Can(eventVINDiscovered) {
			st.logger.Debug("Ignoring profiles response", "phase", st.Phase())
			return nil, false, nil
		}
		vin, err := protocol.DecodeProfilesResponse(raw)
		if err != nil {
			return nil, false, err
		}
		if vin == "" {
			st.logger.Warn("Profiles response carried no VIN, waiting")
			return nil, false, nil
		}
		if err := st.fire(ctx, eventVINDiscovered); err != nil {
			return nil, false, err
		}
		st.vin = vin
		out := protocol.EncodeDigitalTwinRequest(vin)
		return &out, false, nil

	default:
		st.logger.Debug("Ignoring message", "handler", string(handler))
		return nil, false, nil
	}
}
