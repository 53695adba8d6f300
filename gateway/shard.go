package gateway

import (
	"bytes"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheRockettek/Magpie/events"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrReconnectPlease is used to tell the restarter it can restart the shard
var ErrReconnectPlease = errors.New("gateway requested a reconnect")

// ErrShardStopped is returned by operations interrupted by a destroy
var ErrShardStopped = errors.New("shard has been stopped")

// ErrWSShardBounds is thrown when you try to use a shard ID that is
// not less than the total shard count
var ErrWSShardBounds = errors.New("ShardID must be less than ShardCount")

// maxReconnectWait caps the doubling backoff between reconnect attempts
const maxReconnectWait = 600 * time.Second

// ShardOptions is everything a shard runtime needs to operate its
// connection. It is copied on spawn so no state is shared with the manager.
type ShardOptions struct {
	Token          string
	GatewayURL     string
	GatewayVersion int

	ShardID    int
	ShardCount int

	Intents        int
	LargeThreshold int
	Compress       bool
	Presence       *events.UpdateStatus
	Properties     events.IdentifyProperties

	SendQueueSize int
}

// Shard represents a single gateway connection. It owns the websocket, the
// heartbeat loop and the send queue, and communicates with the manager only
// through its control channel.
type Shard struct {
	opts ShardOptions
	log  zerolog.Logger

	fromManager <-chan ManagerMessage
	toManager   chan ShardMessage

	wsMutex sync.Mutex
	wsConn  *websocket.Conn

	ctx    context.Context
	cancel func()
	connWG sync.WaitGroup

	sequence  *int64
	sessionMu sync.Mutex
	sessionID string

	statusMu sync.Mutex
	status   ShardStatus

	heartbeatMu       sync.Mutex
	acked             bool
	lastHeartbeatSent time.Time
	lastHeartbeatAck  time.Time

	sendQueue chan *events.SentPayload
	limiter   *rate.Limiter

	identifyGrant chan struct{}

	stop     chan struct{}
	stopOnce sync.Once

	destroyed int32
	helloed   int32
}

// newShard creates a shard runtime. Run must be called exactly once.
func newShard(opts ShardOptions, log zerolog.Logger,
	fromManager <-chan ManagerMessage, toManager chan ShardMessage) *Shard {

	return &Shard{
		opts: opts,
		log:  log.With().Int("shard", opts.ShardID).Logger(),

		fromManager: fromManager,
		toManager:   toManager,

		sequence: new(int64),
		status:   ShardDisconnected,

		sendQueue: make(chan *events.SentPayload, opts.SendQueueSize),
		limiter:   NewSendLimiter(),

		identifyGrant: make(chan struct{}, 1),
		stop:          make(chan struct{}),
	}
}

// Run operates the shard until it is destroyed or fails fatally. The control
// channel to the manager is closed on exit, which is how the manager detects
// a shard that died without an orderly shutdown.
func (s *Shard) Run() {
	var controlDone sync.WaitGroup
	controlDone.Add(1)
	go func() {
		defer controlDone.Done()
		s.controlLoop()
	}()

	var err error
	wait := time.Second

	for {
		atomic.StoreInt32(&s.helloed, 0)
		err = s.connect()

		if atomic.LoadInt32(&s.destroyed) == 1 {
			s.setStatus(ShardClosed)
			break
		}

		code := closeCode(err)
		if err != nil && !events.CanReconnect(code) {
			s.log.Error().Err(err).Int("code", code).Msg("shard cannot reconnect")
			s.setStatus(ShardDisconnected)
			s.send(ShardMessage{
				Kind:      ShardCannotReconnect,
				CloseCode: code,
				Reason:    redactToken(s.opts.Token, err.Error()),
			})
			break
		}

		if err != nil {
			s.log.Warn().Err(err).Msg("shard connection ended, reconnecting")
		}
		s.setStatus(ShardReconnecting)

		// A connection that made it to HELLO resets the backoff.
		if atomic.LoadInt32(&s.helloed) == 1 {
			wait = time.Second
		}

		select {
		case <-time.After(wait):
		case <-s.stop:
			s.setStatus(ShardClosed)
			s.shutdown()
			controlDone.Wait()
			close(s.toManager)
			return
		}

		wait *= 2
		if wait > maxReconnectWait {
			wait = maxReconnectWait
		}
	}

	s.shutdown()
	controlDone.Wait()
	close(s.toManager)
}

// controlLoop handles messages from the manager for the life of the shard.
func (s *Shard) controlLoop() {
	for {
		select {
		case <-s.stop:
			return
		case msg, ok := <-s.fromManager:
			if !ok {
				return
			}

			switch msg.Kind {
			case ManagerIdentify:
				select {
				case s.identifyGrant <- struct{}{}:
				default:
				}
			case ManagerReconnect:
				s.debug("reconnect requested by manager")
				s.closeCurrent(events.CloseReconnectRequested)
			case ManagerDestroy:
				atomic.StoreInt32(&s.destroyed, 1)
				s.discardSession()
				s.drainSendQueue()
				s.closeCurrent(websocket.CloseNormalClosure)
				s.shutdown()
			case ManagerPayloadDispatch:
				s.enqueuePayload(msg.Payload)
			case ManagerFetchSessionData:
				s.send(ShardMessage{Kind: ShardFetchSessionData, Session: s.session()})
			}
		}
	}
}

// connect performs one full connection: dial, HELLO, identify or resume,
// then the listen loop. It returns when the connection is gone.
func (s *Shard) connect() (err error) {
	ctx, cancel := context.WithCancel(context.Background())
	s.wsMutex.Lock()
	s.ctx, s.cancel = ctx, cancel
	s.wsMutex.Unlock()

	s.setStatus(ShardConnecting)

	gatewayURL := fmt.Sprintf("%s?v=%d&encoding=json", s.opts.GatewayURL, s.opts.GatewayVersion)

	header := http.Header{}
	header.Add("accept-encoding", "zlib")

	conn, _, err := websocket.DefaultDialer.Dial(gatewayURL, header)
	if err != nil {
		cancel()
		return errors.Wrap(err, "failed to connect to gateway")
	}

	conn.SetCloseHandler(func(code int, text string) error {
		return nil
	})
	s.setConn(conn)

	defer func() {
		cancel()
		conn.Close()
		s.connWG.Wait()
		s.setConn(nil)
	}()

	s.setStatus(ShardWaitingForHello)

	payload, err := s.readPayload(conn)
	if err != nil {
		return err
	}

	if payload.Op != events.GatewayOpHello {
		return errors.Errorf("expected HELLO (op %d), got op %d", events.GatewayOpHello, payload.Op)
	}

	hello := events.Hello{}
	if err = json.Unmarshal(payload.Data, &hello); err != nil {
		return errors.Wrap(err, "failed to unmarshal hello")
	}

	interval := hello.HeartbeatInterval * time.Millisecond
	atomic.StoreInt32(&s.helloed, 1)
	s.debug(fmt.Sprintf("received hello, heartbeating every %s", interval))

	s.heartbeatMu.Lock()
	s.acked = true
	s.lastHeartbeatAck = time.Now().UTC()
	s.heartbeatMu.Unlock()

	s.connWG.Add(2)
	go s.heartbeat(conn, interval)
	go s.sendPump(conn)

	if s.session().Resumable() {
		s.setStatus(ShardResuming)
		if err = s.sendResume(conn); err != nil {
			return err
		}
	} else {
		// The admission wait can outlast several heartbeat intervals, so
		// the identify runs alongside listen. Without a reader the ACKs
		// would rot unread and the heartbeat loop would zombie a healthy
		// connection.
		s.setStatus(ShardIdentifying)
		s.connWG.Add(1)
		go s.identify(conn, ShardIdentify, 0)
	}

	return s.listen(conn)
}

// listen pumps inbound frames until the connection dies or a handler asks
// for a reconnect.
func (s *Shard) listen(conn *websocket.Conn) error {
	for {
		payload, err := s.readPayload(conn)
		if err != nil {
			if atomic.LoadInt32(&s.destroyed) == 1 {
				return nil
			}

			select {
			case <-s.ctx.Done():
				// We closed the connection ourselves, resume after.
				return ErrReconnectPlease
			default:
			}

			return err
		}

		if err = s.onPayload(conn, payload); err != nil {
			return err
		}
	}
}

// onPayload handles a single inbound gateway packet.
func (s *Shard) onPayload(conn *websocket.Conn, payload *events.ReceivedPayload) error {
	switch payload.Op {
	case events.GatewayOpDispatch:
		s.onDispatch(payload)
	case events.GatewayOpHeartbeat:
		// The gateway may request an immediate heartbeat.
		s.debug("sending heartbeat in response to heartbeat request")
		return s.sendHeartbeat(conn)
	case events.GatewayOpHeartbeatACK:
		s.onHeartbeatACK()
	case events.GatewayOpReconnect:
		s.debug("gateway requested a reconnect")
		s.closeWithCode(conn, events.CloseReconnectRequested)
		return ErrReconnectPlease
	case events.GatewayOpInvalidSession:
		s.onInvalidSession(conn, payload)
	case events.GatewayOpHello:
		// HELLO is consumed during connect, anything else is noise.
		s.debug("received unexpected hello")
	default:
		s.debug(fmt.Sprintf("received unknown op %d", payload.Op))
	}

	return nil
}

// onDispatch stores the sequence, tracks session state transitions and
// forwards the payload to the manager.
func (s *Shard) onDispatch(payload *events.ReceivedPayload) {
	if payload.Sequence > atomic.LoadInt64(s.sequence) {
		atomic.StoreInt64(s.sequence, payload.Sequence)
	}

	switch payload.Type {
	case "READY":
		ready := events.Ready{}
		if err := json.Unmarshal(payload.Data, &ready); err != nil {
			s.log.Warn().Err(err).Msg("failed to unmarshal ready")
		}

		s.sessionMu.Lock()
		s.sessionID = ready.SessionID
		s.sessionMu.Unlock()

		s.setStatus(ShardReady)
		s.send(ShardMessage{Kind: ShardGatewayStatus, Gateway: GatewayStatusReady})
		s.debug("shard is ready")
	case "RESUMED":
		s.setStatus(ShardReady)
		s.debug(fmt.Sprintf("session resumed at seq %d", atomic.LoadInt64(s.sequence)))
	}

	s.send(ShardMessage{Kind: ShardDispatch, Dispatch: payload})
}

// onInvalidSession handles INVALID_SESSION. A resumable invalidation sends a
// RESUME, anything else discards the session and goes back through the
// identify admission queue.
func (s *Shard) onInvalidSession(conn *websocket.Conn, payload *events.ReceivedPayload) {
	resumable := false
	_ = json.Unmarshal(payload.Data, &resumable)

	if resumable && s.session().Resumable() {
		s.debug("session invalidated but resumable, sending resume")
		s.setStatus(ShardResuming)
		if err := s.sendResume(conn); err != nil {
			s.log.Warn().Err(err).Msg("failed to send resume")
		}
		return
	}

	wasIdentifying := s.Status() == ShardIdentifying

	s.debug("session invalidated, will identify again")
	s.discardSession()
	s.setStatus(ShardIdentifying)

	if wasIdentifying {
		// This is the admission reply, the manager re-enqueues us and a
		// fresh grant will follow.
		s.send(ShardMessage{Kind: ShardGatewayStatus, Gateway: GatewayStatusInvalidSession})
	}

	// A negative kind means the manager is already re-enqueueing us and we
	// only wait for the grant. The gateway mandates a 1-5s wait before the
	// next identify.
	kind := ShardMessageKind(-1)
	if !wasIdentifying {
		kind = ShardScheduleIdentify
	}

	jitter := time.Second + time.Duration(rand.Float64()*float64(4*time.Second))

	s.connWG.Add(1)
	go s.identify(conn, kind, jitter)
}

// identify waits for an admission grant then sends the identify. It runs in
// its own goroutine so the listen loop keeps processing heartbeat ACKs for
// however long the queue wait takes. It aborts if the connection dies first.
func (s *Shard) identify(conn *websocket.Conn, kind ShardMessageKind, delay time.Duration) {
	defer s.connWG.Done()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return
		}
	}

	if err := s.awaitGrant(kind); err != nil {
		return
	}

	if err := s.sendIdentify(conn); err != nil {
		s.log.Warn().Err(err).Msg("failed to send identify")
	}
}

// awaitGrant asks the manager for an identify slot and blocks until it is
// granted. Passing a negative kind skips the request and only waits.
func (s *Shard) awaitGrant(kind ShardMessageKind) error {
	if kind >= 0 {
		// Drop any stale grant before requesting a fresh slot. When the
		// manager is already re-enqueueing us (negative kind) a buffered
		// grant is the one we are waiting for, so it must survive.
		select {
		case <-s.identifyGrant:
		default:
		}

		s.send(ShardMessage{Kind: kind})
	}

	select {
	case <-s.identifyGrant:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	case <-s.stop:
		return ErrShardStopped
	}
}

// heartbeat beats at the interval the gateway asked for. The first beat is
// delayed by a random fraction of the interval so shards do not beat in
// lockstep. A beat that was never acknowledged marks the connection as a
// zombie: close with 4000 and resume on the next connection.
func (s *Shard) heartbeat(conn *websocket.Conn, interval time.Duration) {
	defer s.connWG.Done()

	timer := time.NewTimer(time.Duration(rand.Float64() * float64(interval)))
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}

		s.heartbeatMu.Lock()
		acked := s.acked
		s.heartbeatMu.Unlock()

		if !acked {
			s.debug("heartbeat was not acknowledged, connection is a zombie")
			s.closeWithCode(conn, events.CloseUnknownError)
			return
		}

		if err := s.sendHeartbeat(conn); err != nil {
			s.log.Warn().Err(err).Msg("failed to send heartbeat")
			s.closeWithCode(conn, events.CloseUnknownError)
			return
		}

		timer.Reset(interval)
	}
}

// sendPump writes queued application payloads in FIFO order, subject to the
// outbound rate budget. Heartbeats and identifies bypass the queue.
func (s *Shard) sendPump(conn *websocket.Conn) {
	defer s.connWG.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case payload := <-s.sendQueue:
			if err := s.limiter.Wait(s.ctx); err != nil {
				return
			}

			if err := s.writeJSON(conn, payload); err != nil {
				s.log.Warn().Err(err).Msg("failed to write payload")
				return
			}
		}
	}
}

// enqueuePayload adds an application payload to the send queue. A full queue
// means the connection cannot drain, which we treat the same as a zombied
// connection.
func (s *Shard) enqueuePayload(payload *events.SentPayload) {
	if payload == nil {
		return
	}

	select {
	case s.sendQueue <- payload:
	default:
		s.debug("send queue overflowed, treating connection as zombied")
		s.closeCurrent(events.CloseUnknownError)
	}
}

func (s *Shard) drainSendQueue() {
	for {
		select {
		case <-s.sendQueue:
		default:
			return
		}
	}
}

// sendHeartbeat writes a heartbeat directly, bypassing the send queue and
// its limiter.
func (s *Shard) sendHeartbeat(conn *websocket.Conn) error {
	sequence := atomic.LoadInt64(s.sequence)

	s.heartbeatMu.Lock()
	s.acked = false
	s.lastHeartbeatSent = time.Now().UTC()
	s.heartbeatMu.Unlock()

	return s.writeJSON(conn, events.SentPayload{
		Op:   int(events.GatewayOpHeartbeat),
		Data: sequence,
	})
}

func (s *Shard) onHeartbeatACK() {
	s.heartbeatMu.Lock()
	s.acked = true
	s.lastHeartbeatAck = time.Now().UTC()
	ping := s.lastHeartbeatAck.Sub(s.lastHeartbeatSent)
	s.heartbeatMu.Unlock()

	s.send(ShardMessage{Kind: ShardUpdatePing, Ping: ping})
}

// sendIdentify authenticates a fresh session. The write jumps the send queue
// but still consumes from the rate budget.
func (s *Shard) sendIdentify(conn *websocket.Conn) error {
	if s.opts.ShardID >= s.opts.ShardCount {
		return ErrWSShardBounds
	}

	if err := s.limiter.Wait(s.ctx); err != nil {
		return err
	}

	properties := s.opts.Properties
	s.debug(fmt.Sprintf("sending identify for shard %d/%d", s.opts.ShardID, s.opts.ShardCount))

	return s.writeJSON(conn, events.SentPayload{
		Op: int(events.GatewayOpIdentify),
		Data: events.Identify{
			Token:          s.opts.Token,
			Properties:     &properties,
			Compress:       s.opts.Compress,
			LargeThreshold: s.opts.LargeThreshold,
			Shard:          &[2]int{s.opts.ShardID, s.opts.ShardCount},
			Presence:       s.opts.Presence,
			Intents:        s.opts.Intents,
		},
	})
}

// sendResume continues the existing session. The gateway replays everything
// we missed with monotonic sequence numbers, so nothing is replayed locally.
func (s *Shard) sendResume(conn *websocket.Conn) error {
	session := s.session()
	s.debug(fmt.Sprintf("sending resume for session at seq %d", session.Seq))

	return s.writeJSON(conn, events.SentPayload{
		Op: int(events.GatewayOpResume),
		Data: events.Resume{
			Token:     s.opts.Token,
			SessionID: session.SessionID,
			Seq:       session.Seq,
		},
	})
}

// readPayload reads one frame, transparently decompressing zlib binary
// frames, and decodes it.
func (s *Shard) readPayload(conn *websocket.Conn) (*events.ReceivedPayload, error) {
	messageType, message, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var reader io.Reader = bytes.NewReader(message)

	if messageType == websocket.BinaryMessage {
		z, err := zlib.NewReader(reader)
		if err != nil {
			return nil, errors.Wrap(err, "failed to decompress payload")
		}
		defer z.Close()

		reader = z
	}

	payload := &events.ReceivedPayload{}
	if err = json.NewDecoder(reader).Decode(payload); err != nil {
		return nil, errors.Wrap(err, "failed to decode payload")
	}

	return payload, nil
}

func (s *Shard) writeJSON(conn *websocket.Conn, v interface{}) error {
	res, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to marshal payload")
	}

	s.wsMutex.Lock()
	err = conn.WriteMessage(websocket.TextMessage, res)
	s.wsMutex.Unlock()

	return err
}

// closeWithCode sends a close frame and tears the connection down.
func (s *Shard) closeWithCode(conn *websocket.Conn, code int) {
	s.wsMutex.Lock()
	cancel := s.cancel
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
	s.wsMutex.Unlock()

	if cancel != nil {
		cancel()
	}
	conn.Close()
}

// closeCurrent closes whatever connection is live right now, if any.
func (s *Shard) closeCurrent(code int) {
	s.wsMutex.Lock()
	conn := s.wsConn
	s.wsMutex.Unlock()

	if conn == nil {
		return
	}

	s.closeWithCode(conn, code)
}

func (s *Shard) setConn(conn *websocket.Conn) {
	s.wsMutex.Lock()
	s.wsConn = conn
	s.wsMutex.Unlock()
}

// session returns a copy of the current resumable state.
func (s *Shard) session() Session {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	return Session{
		SessionID: s.sessionID,
		Seq:       atomic.LoadInt64(s.sequence),
	}
}

func (s *Shard) discardSession() {
	s.sessionMu.Lock()
	s.sessionID = ""
	s.sessionMu.Unlock()

	atomic.StoreInt64(s.sequence, 0)
}

// Status returns the current lifecycle state.
func (s *Shard) Status() ShardStatus {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	return s.status
}

func (s *Shard) setStatus(status ShardStatus) {
	s.statusMu.Lock()
	if s.status == status {
		s.statusMu.Unlock()
		return
	}
	s.status = status
	s.statusMu.Unlock()

	s.send(ShardMessage{Kind: ShardStatusUpdate, Status: status})
}

func (s *Shard) debug(message string) {
	message = redactToken(s.opts.Token, message)
	s.log.Debug().Msg(message)
	s.send(ShardMessage{Kind: ShardDebug, Debug: message})
}

func (s *Shard) send(msg ShardMessage) {
	msg.ShardID = s.opts.ShardID
	s.toManager <- msg
}

func (s *Shard) shutdown() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

// closeCode extracts the gateway close code from a read error, returning -1
// for transport level errors that carry none.
func closeCode(err error) int {
	if err == nil {
		return -1
	}

	if closeErr, ok := errors.Cause(err).(*websocket.CloseError); ok {
		return closeErr.Code
	}

	return -1
}
