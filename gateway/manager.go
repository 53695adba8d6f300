package gateway

import (
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheRockettek/Magpie/client"
	"github.com/TheRockettek/Magpie/events"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// BufferSize sets a maximum buffer size for channels
const BufferSize = 2048

// ErrNoTokenProvided is when no token was passed to the Manager
var ErrNoTokenProvided = errors.New("no token was provided")

// ErrMissingShardCount is when explicit shard ids were configured without a
// total shard count to go with them
var ErrMissingShardCount = errors.New("shard_ids requires shard_count to be set")

// ErrUnknownShard is returned when addressing a shard id the manager does
// not hold
var ErrUnknownShard = errors.New("no shard with this id exists")

// Configuration represents all configurable elements
type Configuration struct {
	Token string `json:"token"`

	// Manual sharding. AutoShard uses the recommended shard count from
	// /gateway/bot. ShardIDs restricts this process to a subset of
	// shards and requires ShardCount to carry the full total.
	AutoShard  bool  `json:"autoshard"`
	ShardCount int   `json:"shard_count"`
	ShardIDs   []int `json:"shard_ids"`

	GatewayVersion int `json:"gateway_version"`

	// Global Shard Identify Options
	Intents         int                        `json:"intents"`
	LargeThreshold  int                        `json:"large_threshold"`
	Compression     bool                       `json:"compression"`
	DefaultPresence *events.UpdateStatus       `json:"default_presence"`
	Properties      *events.IdentifyProperties `json:"properties"`

	// SendQueueSize is the high water mark of a shard's outbound queue.
	// A shard whose queue overflows closes itself and resumes.
	SendQueueSize int `json:"send_queue_size"`

	// IdentifyCooldown is the forced gap between identifies. The gateway
	// allows one identify per 5 seconds per bucket.
	IdentifyCooldown time.Duration `json:"-"`

	// AdmissionTimeout is how long the manager waits for an admitted
	// shard to report back before recycling the slot.
	AdmissionTimeout time.Duration `json:"-"`

	// Authentication for the optional redis status sink
	Redis struct {
		Address  string `json:"address"`
		Password string `json:"password"`
		Database int    `json:"database"`
		Prefix   string `json:"prefix"`
	} `json:"redis"`

	// Configuration for the optional NATS streaming producer
	Nats struct {
		Address   string `json:"address"`
		Channel   string `json:"channel"`
		ClusterID string `json:"cluster"`
		ClientID  string `json:"client"`
	} `json:"nats"`
}

// Dispatch is what subscribers receive: a gateway dispatch tagged with the
// shard it arrived on. Data holds the typed struct when the event name is
// known, Raw always holds the undecoded payload.
type Dispatch struct {
	ShardID  int
	Type     string
	Sequence int64
	Data     interface{}
	Raw      []byte
}

// DispatchHandler handles one dispatch. Handlers run synchronously in
// subscription order.
type DispatchHandler func(d Dispatch)

type subscription struct {
	id      uint64
	handler DispatchHandler
}

// shardState is the manager's bookkeeping for one running shard. The shard
// runtime itself never touches this.
type shardState struct {
	id int

	toShard   chan ManagerMessage
	fromShard chan ShardMessage

	gatewayStatus chan GatewayStatus
	sessionData   chan Session

	mu      sync.Mutex
	removed bool
	status  ShardStatus
	ping    time.Duration
	hasPing bool

	sawCannotReconnect bool
}

func (st *shardState) sendToShard(msg ManagerMessage) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.removed {
		return ErrUnknownShard
	}

	st.toShard <- msg
	return nil
}

// Manager is used to handle all shards
type Manager struct {
	Token         string
	Configuration Configuration
	log           zerolog.Logger

	// The REST client used for /gateway/bot
	Client *client.Client

	// Stores the latest /gateway/bot response
	gatewayMu sync.Mutex
	Gateway   *events.GatewayBot

	shardsMu    sync.Mutex
	shards      map[int]*shardState
	totalShards int

	identifyQueue chan int

	subsMu    sync.RWMutex
	subs      map[string][]subscription
	subSerial uint64

	debugHandlers  []func(shardID int, message string)
	errorHandlers  []func(err error)
	onlineHandlers []func(shardID int)

	producer *Producer
	statuses *StatusSink

	done    chan struct{}
	wg      sync.WaitGroup
	closing int32
}

// NewManager creates the manager and validates its configuration. The token
// may come from the configuration or the DISCORD_TOKEN environment variable.
func NewManager(configuration Configuration, logger zerolog.Logger) (m *Manager, err error) {
	token := configuration.Token
	if token == "" {
		token = os.Getenv("DISCORD_TOKEN")
	}
	if token == "" {
		return nil, ErrNoTokenProvided
	}

	if configuration.GatewayVersion <= 0 {
		configuration.GatewayVersion = GatewayVersion
	}
	if configuration.LargeThreshold <= 0 {
		configuration.LargeThreshold = 250
	}
	if configuration.LargeThreshold < 50 {
		configuration.LargeThreshold = 50
	}
	if configuration.LargeThreshold > 250 {
		configuration.LargeThreshold = 250
	}
	if configuration.SendQueueSize <= 0 {
		configuration.SendQueueSize = 512
	}
	if configuration.IdentifyCooldown <= 0 {
		configuration.IdentifyCooldown = 5 * time.Second
	}
	if configuration.AdmissionTimeout <= 0 {
		configuration.AdmissionTimeout = 60 * time.Second
	}
	if configuration.Properties == nil {
		configuration.Properties = &events.IdentifyProperties{
			OS:      runtime.GOOS,
			Browser: "Magpie v" + VERSION,
			Device:  "Magpie v" + VERSION,
		}
	}

	userAgent := "DiscordBot (https://github.com/TheRockettek/Magpie, v" + VERSION + ")"

	m = &Manager{
		Token:         token,
		Configuration: configuration,
		log:           logger,
		Client:        client.NewClient(token, userAgent),

		shards:        make(map[int]*shardState),
		identifyQueue: make(chan int, BufferSize),
		subs:          make(map[string][]subscription),

		done: make(chan struct{}),
	}

	return m, nil
}

// Open starts up the manager, retrieves the gateway information and starts
// all shards. Identifies complete asynchronously through the admission
// queue; subscribe to shardOnline to observe them.
func (m *Manager) Open() (err error) {
	gw, err := m.Client.GatewayBot()
	if err != nil {
		return errors.Wrap(err, "failed to fetch gateway information")
	}
	m.setGateway(gw)

	m.log.Info().
		Str("gateway", gw.URL).
		Int("shards", gw.Shards).
		Int("remaining", gw.SessionStartLimit.Remaining).
		Msg("retrieved gateway information")

	shardIDs, totalShards, err := m.shardList(gw)
	if err != nil {
		return err
	}

	if len(shardIDs) > gw.SessionStartLimit.Remaining {
		m.log.Warn().
			Int("shards", len(shardIDs)).
			Int("remaining", gw.SessionStartLimit.Remaining).
			Msg("near the remaining session limit")
	}

	if m.Configuration.Nats.Address != "" {
		m.producer, err = NewProducer(m.Configuration, m.log)
		if err != nil {
			return errors.Wrap(err, "failed to start producer")
		}
	}

	if m.Configuration.Redis.Address != "" {
		m.statuses, err = NewStatusSink(m.Configuration, m.log)
		if err != nil {
			return errors.Wrap(err, "failed to start status sink")
		}
	}

	m.totalShards = totalShards
	m.log.Info().Int("shards", len(shardIDs)).Int("total", totalShards).Msg("creating shards")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.identifyScheduler()
	}()

	for _, shardID := range shardIDs {
		m.spawnShard(shardID)
	}

	return nil
}

// shardList computes which shard ids this manager runs and the total shard
// count, based on the configuration and the recommended count.
func (m *Manager) shardList(gw *events.GatewayBot) (shardIDs []int, totalShards int, err error) {
	cfg := m.Configuration

	switch {
	case len(cfg.ShardIDs) > 0:
		if cfg.ShardCount < 1 {
			return nil, 0, ErrMissingShardCount
		}

		totalShards = cfg.ShardCount
		for _, id := range cfg.ShardIDs {
			if id < 0 || id >= totalShards {
				m.log.Warn().Int("shard", id).Msg("dropping out of range shard id")
				continue
			}
			shardIDs = append(shardIDs, id)
		}
	case cfg.AutoShard || cfg.ShardCount < 1:
		totalShards = gw.Shards
		if totalShards < 1 {
			totalShards = 1
		}
		for i := 0; i < totalShards; i++ {
			shardIDs = append(shardIDs, i)
		}
	default:
		totalShards = cfg.ShardCount
		for i := 0; i < totalShards; i++ {
			shardIDs = append(shardIDs, i)
		}
	}

	return shardIDs, totalShards, nil
}

// spawnShard creates a fresh shard runtime with its control channel and
// starts listening to it.
func (m *Manager) spawnShard(shardID int) {
	st := &shardState{
		id:            shardID,
		toShard:       make(chan ManagerMessage, BufferSize),
		fromShard:     make(chan ShardMessage, BufferSize),
		gatewayStatus: make(chan GatewayStatus, 1),
		sessionData:   make(chan Session, 1),
		status:        ShardDisconnected,
	}

	m.shardsMu.Lock()
	m.shards[shardID] = st
	m.shardsMu.Unlock()

	shard := newShard(ShardOptions{
		Token:          m.Token,
		GatewayURL:     m.gatewayURL(),
		GatewayVersion: m.Configuration.GatewayVersion,
		ShardID:        shardID,
		ShardCount:     m.totalShards,
		Intents:        m.Configuration.Intents,
		LargeThreshold: m.Configuration.LargeThreshold,
		Compress:       m.Configuration.Compression,
		Presence:       m.Configuration.DefaultPresence,
		Properties:     *m.Configuration.Properties,
		SendQueueSize:  m.Configuration.SendQueueSize,
	}, m.log, st.toShard, st.fromShard)

	go shard.Run()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.listenShard(st)
	}()
}

// listenShard routes every message from one shard until its control channel
// closes. A channel that closes without an orderly shutdown is treated as
// CannotReconnect with a synthetic reason.
func (m *Manager) listenShard(st *shardState) {
	for msg := range st.fromShard {
		switch msg.Kind {
		case ShardDebug:
			m.emitDebug(msg.ShardID, msg.Debug)
		case ShardStatusUpdate:
			st.mu.Lock()
			st.status = msg.Status
			st.mu.Unlock()
			m.publishStatus(st)
		case ShardUpdatePing:
			st.mu.Lock()
			st.ping = msg.Ping
			st.hasPing = true
			st.mu.Unlock()
		case ShardIdentify, ShardScheduleIdentify:
			m.enqueueIdentify(st.id)
		case ShardGatewayStatus:
			if msg.Gateway == GatewayStatusReady {
				m.emitShardOnline(st.id)
			}
			select {
			case st.gatewayStatus <- msg.Gateway:
			default:
			}
		case ShardDispatch, ShardPayloadDispatch:
			m.dispatch(msg)
		case ShardCannotReconnect:
			st.sawCannotReconnect = true
			m.handleCannotReconnect(st, msg.CloseCode, msg.Reason)
		case ShardFetchSessionData:
			select {
			case st.sessionData <- msg.Session:
			default:
			}
		}
	}

	st.mu.Lock()
	status := st.status
	st.mu.Unlock()

	if !st.sawCannotReconnect && !m.isClosing() && status != ShardClosed {
		m.handleCannotReconnect(st, -1, "control channel closed unexpectedly")
	}

	m.removeShard(st)
}

// handleCannotReconnect applies the restart policy: fatal close codes
// surface an error and stop the shard for good, everything else respawns a
// fresh shard which re-enters the identify queue.
func (m *Manager) handleCannotReconnect(st *shardState, code int, reason string) {
	m.removeShard(st)

	if events.IsFatal(code) {
		m.emitError(errors.Errorf("shard %d cannot reconnect: %s (close code %d)", st.id, reason, code))
		return
	}

	if m.isClosing() {
		return
	}

	m.emitDebug(st.id, "respawning shard: "+reason)
	m.spawnShard(st.id)
}

func (m *Manager) removeShard(st *shardState) {
	st.mu.Lock()
	removed := st.removed
	st.removed = true
	st.mu.Unlock()

	if removed {
		return
	}

	close(st.toShard)

	m.shardsMu.Lock()
	if m.shards[st.id] == st {
		delete(m.shards, st.id)
	}
	m.shardsMu.Unlock()
}

// identifyScheduler serializes every identify attempt across the fleet.
func (m *Manager) identifyScheduler() {
	for {
		select {
		case <-m.done:
			return
		case shardID := <-m.identifyQueue:
			m.admit(shardID)
		}
	}
}

// admit grants one shard its identify. The gateway information is refetched
// on every admission so the session start limit is always current.
func (m *Manager) admit(shardID int) {
	st := m.shard(shardID)
	if st == nil {
		return
	}

	// A stale queue entry can outlive the admission it was created for,
	// e.g. when a grant raced a dying connection. A shard that made it to
	// Ready, or is gone for good, no longer wants a slot; admitting it
	// would stall the queue a full admission timeout.
	st.mu.Lock()
	shardStatus := st.status
	st.mu.Unlock()

	if shardStatus == ShardReady || shardStatus == ShardClosed {
		m.emitDebug(shardID, "dropping stale identify queue entry")
		return
	}

	gw, err := m.Client.GatewayBot()
	if err != nil {
		m.emitError(errors.Wrap(err, "failed to fetch gateway information for admission"))

		select {
		case <-time.After(5 * time.Second):
		case <-m.done:
			return
		}

		m.enqueueIdentify(shardID)
		return
	}
	m.setGateway(gw)

	if gw.SessionStartLimit.Remaining == 0 {
		resetAfter := time.Duration(gw.SessionStartLimit.ResetAfter) * time.Millisecond
		m.log.Warn().Dur("reset_after", resetAfter).Msg("session start limit exhausted, waiting for reset")

		select {
		case <-time.After(resetAfter):
		case <-m.done:
			return
		}
	}

	// Drop any stale reply from a previous admission of this shard.
	select {
	case <-st.gatewayStatus:
	default:
	}

	if err = st.sendToShard(ManagerMessage{Kind: ManagerIdentify}); err != nil {
		return
	}

	select {
	case status := <-st.gatewayStatus:
		if status != GatewayStatusReady {
			m.emitDebug(shardID, "identify was rejected, re-queueing")
			m.enqueueIdentify(shardID)
		}

		// An IDENTIFY hit the gateway whichever way it went, so the
		// cooldown applies to rejections too.
		select {
		case <-time.After(m.Configuration.IdentifyCooldown):
		case <-m.done:
		}
	case <-time.After(m.Configuration.AdmissionTimeout):
		m.emitDebug(shardID, "identify timed out, re-queueing")
		m.enqueueIdentify(shardID)
	case <-m.done:
	}
}

func (m *Manager) enqueueIdentify(shardID int) {
	select {
	case m.identifyQueue <- shardID:
	default:
		// The queue holds far more entries than shards exist; dropping
		// here would mean something is very wrong.
		m.log.Error().Int("shard", shardID).Msg("identify queue overflowed")
	}
}

// dispatch fans one gateway dispatch out to subscribers, synchronously and
// in subscription order, then hands it to the stream producer.
func (m *Manager) dispatch(msg ShardMessage) {
	payload := msg.Dispatch
	if payload == nil {
		return
	}

	data, err := events.ParseEvent(payload.Type, payload.Data)
	if err != nil {
		m.log.Warn().Err(err).Str("type", payload.Type).Msg("failed to decode dispatch")
	}

	d := Dispatch{
		ShardID:  msg.ShardID,
		Type:     payload.Type,
		Sequence: payload.Sequence,
		Data:     data,
		Raw:      payload.Data,
	}

	m.subsMu.RLock()
	handlers := make([]subscription, 0, len(m.subs[payload.Type])+len(m.subs["*"]))
	handlers = append(handlers, m.subs[payload.Type]...)
	handlers = append(handlers, m.subs["*"]...)
	m.subsMu.RUnlock()

	for _, sub := range handlers {
		sub.handler(d)
	}

	if m.producer != nil {
		streamData := data
		if streamData == nil {
			streamData = []byte(payload.Data)
		}

		m.producer.Produce(StreamEvent{
			Type:    payload.Type,
			ShardID: msg.ShardID,
			Data:    streamData,
		})
	}
}

// Subscribe registers a handler for a dispatch event name. The returned
// function removes the subscription.
func (m *Manager) Subscribe(eventType string, handler DispatchHandler) (cancel func()) {
	m.subsMu.Lock()
	m.subSerial++
	id := m.subSerial
	m.subs[eventType] = append(m.subs[eventType], subscription{id: id, handler: handler})
	m.subsMu.Unlock()

	return func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()

		subs := m.subs[eventType]
		for i, sub := range subs {
			if sub.id == id {
				m.subs[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// SubscribeAll registers a handler for every dispatch regardless of name.
func (m *Manager) SubscribeAll(handler DispatchHandler) (cancel func()) {
	return m.Subscribe("*", handler)
}

// OnDebug registers a handler for debug messages. Must be called before Open.
func (m *Manager) OnDebug(fn func(shardID int, message string)) {
	m.debugHandlers = append(m.debugHandlers, fn)
}

// OnError registers a handler for surfaced errors. Must be called before Open.
func (m *Manager) OnError(fn func(err error)) {
	m.errorHandlers = append(m.errorHandlers, fn)
}

// OnShardOnline registers a handler called when a shard reaches Ready from a
// fresh identify. Must be called before Open.
func (m *Manager) OnShardOnline(fn func(shardID int)) {
	m.onlineHandlers = append(m.onlineHandlers, fn)
}

func (m *Manager) emitDebug(shardID int, message string) {
	m.log.Debug().Int("shard", shardID).Msg(message)
	for _, fn := range m.debugHandlers {
		fn(shardID, message)
	}
}

func (m *Manager) emitError(err error) {
	m.log.Error().Err(err).Send()
	for _, fn := range m.errorHandlers {
		fn(err)
	}
}

func (m *Manager) emitShardOnline(shardID int) {
	m.log.Info().Int("shard", shardID).Msg("shard online")
	for _, fn := range m.onlineHandlers {
		fn(shardID)
	}
}

// AveragePing returns the arithmetic mean of the latest heartbeat round trip
// of every shard that has one.
func (m *Manager) AveragePing() time.Duration {
	m.shardsMu.Lock()
	states := make([]*shardState, 0, len(m.shards))
	for _, st := range m.shards {
		states = append(states, st)
	}
	m.shardsMu.Unlock()

	var total time.Duration
	var count int64

	for _, st := range states {
		st.mu.Lock()
		if st.hasPing {
			total += st.ping
			count++
		}
		st.mu.Unlock()
	}

	if count == 0 {
		return 0
	}

	return total / time.Duration(count)
}

// SendPayload enqueues an application payload on a shard's send queue.
func (m *Manager) SendPayload(shardID int, op events.GatewayOp, data interface{}) error {
	st := m.shard(shardID)
	if st == nil {
		return ErrUnknownShard
	}

	return st.sendToShard(ManagerMessage{
		Kind:    ManagerPayloadDispatch,
		Payload: &events.SentPayload{Op: int(op), Data: data},
	})
}

// UpdateStatus changes the presence of one shard.
func (m *Manager) UpdateStatus(shardID int, usd events.UpdateStatus) error {
	return m.SendPayload(shardID, events.GatewayOpStatusUpdate, usd)
}

// RequestGuildMembers requests guild members over a shard. The gateway
// responds with GUILD_MEMBERS_CHUNK dispatches.
func (m *Manager) RequestGuildMembers(shardID int, guildID string, query string, limit int) error {
	return m.SendPayload(shardID, events.GatewayOpRequestGuildMembers, events.RequestGuildMembers{
		GuildID: guildID,
		Query:   query,
		Limit:   limit,
	})
}

// SessionData requests a snapshot of a shard's session.
func (m *Manager) SessionData(shardID int) (Session, error) {
	st := m.shard(shardID)
	if st == nil {
		return Session{}, ErrUnknownShard
	}

	select {
	case <-st.sessionData:
	default:
	}

	if err := st.sendToShard(ManagerMessage{Kind: ManagerFetchSessionData}); err != nil {
		return Session{}, err
	}

	select {
	case session := <-st.sessionData:
		return session, nil
	case <-time.After(5 * time.Second):
		return Session{}, errors.New("timed out waiting for session data")
	}
}

// ReconnectShard tears one shard's connection down gracefully, keeping its
// session so it resumes.
func (m *Manager) ReconnectShard(shardID int) error {
	st := m.shard(shardID)
	if st == nil {
		return ErrUnknownShard
	}

	return st.sendToShard(ManagerMessage{Kind: ManagerReconnect})
}

// ShardStatus returns the last reported lifecycle state of a shard.
func (m *Manager) ShardStatus(shardID int) (ShardStatus, error) {
	st := m.shard(shardID)
	if st == nil {
		return ShardDisconnected, ErrUnknownShard
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	return st.status, nil
}

// Close destroys every shard and waits for them to finish. Sessions are
// discarded and no further dispatches are emitted.
func (m *Manager) Close() {
	if !atomic.CompareAndSwapInt32(&m.closing, 0, 1) {
		return
	}

	m.log.Info().Msg("closing manager")
	close(m.done)

	m.shardsMu.Lock()
	states := make([]*shardState, 0, len(m.shards))
	for _, st := range m.shards {
		states = append(states, st)
	}
	m.shardsMu.Unlock()

	for _, st := range states {
		if err := st.sendToShard(ManagerMessage{Kind: ManagerDestroy}); err != nil {
			m.log.Warn().Int("shard", st.id).Err(err).Msg("failed to destroy shard")
		}
	}

	m.wg.Wait()

	if m.producer != nil {
		m.producer.Close()
	}
	if m.statuses != nil {
		m.statuses.Close()
	}
}

func (m *Manager) publishStatus(st *shardState) {
	if m.statuses == nil {
		return
	}

	st.mu.Lock()
	status := st.status
	ping := st.ping
	st.mu.Unlock()

	m.statuses.Publish(st.id, status, ping)
}

func (m *Manager) isClosing() bool {
	return atomic.LoadInt32(&m.closing) == 1
}

func (m *Manager) shard(shardID int) *shardState {
	m.shardsMu.Lock()
	defer m.shardsMu.Unlock()

	return m.shards[shardID]
}

func (m *Manager) setGateway(gw *events.GatewayBot) {
	m.gatewayMu.Lock()
	m.Gateway = gw
	m.gatewayMu.Unlock()
}

func (m *Manager) gatewayURL() string {
	m.gatewayMu.Lock()
	defer m.gatewayMu.Unlock()

	if m.Gateway == nil {
		return ""
	}

	return m.Gateway.URL
}
