package gateway

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TheRockettek/Magpie/events"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

var upgrader = websocket.Upgrader{}

// newMockGateway runs handler once per websocket connection and returns the
// ws:// url to dial.
func newMockGateway(t *testing.T, handler func(conn *websocket.Conn)) (url string, closer func()) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("failed to upgrade: %v", err)
			return
		}
		defer conn.Close()

		handler(conn)
	}))

	return "ws" + strings.TrimPrefix(srv.URL, "http"), srv.Close
}

func writeServerJSON(conn *websocket.Conn, v interface{}) error {
	res, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, res)
}

func writeHello(conn *websocket.Conn, intervalMS int) error {
	return writeServerJSON(conn, map[string]interface{}{
		"op": 10,
		"d":  map[string]interface{}{"heartbeat_interval": intervalMS},
	})
}

func writeDispatch(conn *websocket.Conn, seq int64, eventType string, data string) error {
	frame := fmt.Sprintf(`{"op":0,"s":%d,"t":%q,"d":%s}`, seq, eventType, data)
	return conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func testShard(gatewayURL string, toShard chan ManagerMessage, fromShard chan ShardMessage) *Shard {
	return newShard(ShardOptions{
		Token:          "test-token",
		GatewayURL:     gatewayURL,
		GatewayVersion: GatewayVersion,
		ShardID:        0,
		ShardCount:     1,
		LargeThreshold: 250,
		SendQueueSize:  16,
	}, zerolog.Nop(), toShard, fromShard)
}

func TestShardIdentifyFlow(t *testing.T) {
	identifies := int32(0)

	url, stop := newMockGateway(t, func(conn *websocket.Conn) {
		if err := writeHello(conn, 45000); err != nil {
			return
		}

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}

			frame := events.ReceivedPayload{}
			if err = json.Unmarshal(msg, &frame); err != nil {
				t.Errorf("failed to decode client frame: %v", err)
				return
			}

			switch frame.Op {
			case events.GatewayOpHeartbeat:
				writeServerJSON(conn, map[string]interface{}{"op": 11})
			case events.GatewayOpIdentify:
				identify := events.Identify{}
				if err = json.Unmarshal(frame.Data, &identify); err != nil {
					t.Errorf("failed to decode identify: %v", err)
					return
				}
				assert.Equal(t, "test-token", identify.Token)
				if assert.NotNil(t, identify.Shard) {
					assert.Equal(t, [2]int{0, 1}, *identify.Shard)
				}

				atomic.AddInt32(&identifies, 1)
				writeDispatch(conn, 1, "READY", `{"v":6,"session_id":"sess-1","user":{"id":"1"},"guilds":[]}`)
				writeDispatch(conn, 2, "MESSAGE_CREATE", `{"id":"10","channel_id":"20","content":"hi"}`)
			}
		}
	})
	defer stop()

	toShard := make(chan ManagerMessage, 16)
	fromShard := make(chan ShardMessage, 256)
	s := testShard(url, toShard, fromShard)
	go s.Run()

	ready := make(chan struct{}, 1)
	dispatches := make(chan *events.ReceivedPayload, 16)
	closed := make(chan struct{})

	go func() {
		defer close(closed)
		for msg := range fromShard {
			switch msg.Kind {
			case ShardIdentify, ShardScheduleIdentify:
				toShard <- ManagerMessage{Kind: ManagerIdentify}
			case ShardGatewayStatus:
				if msg.Gateway == GatewayStatusReady {
					select {
					case ready <- struct{}{}:
					default:
					}
				}
			case ShardDispatch:
				dispatches <- msg.Dispatch
			}
		}
	}()

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("shard never became ready")
	}

	first := <-dispatches
	assert.Equal(t, "READY", first.Type)
	assert.Equal(t, int64(1), first.Sequence)

	select {
	case second := <-dispatches:
		assert.Equal(t, "MESSAGE_CREATE", second.Type)
		assert.Equal(t, int64(2), second.Sequence)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch never arrived")
	}

	assert.Equal(t, ShardReady, s.Status())
	assert.Equal(t, Session{SessionID: "sess-1", Seq: 2}, s.session())
	assert.Equal(t, int32(1), atomic.LoadInt32(&identifies))

	toShard <- ManagerMessage{Kind: ManagerDestroy}

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("control channel never closed after destroy")
	}

	assert.Equal(t, ShardClosed, s.Status())
	assert.False(t, s.session().Resumable())
}

func TestShardResume(t *testing.T) {
	url, stop := newMockGateway(t, func(conn *websocket.Conn) {
		if err := writeHello(conn, 45000); err != nil {
			return
		}

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}

			frame := events.ReceivedPayload{}
			if err = json.Unmarshal(msg, &frame); err != nil {
				return
			}

			switch frame.Op {
			case events.GatewayOpHeartbeat:
				writeServerJSON(conn, map[string]interface{}{"op": 11})
			case events.GatewayOpIdentify:
				t.Error("shard with a session should resume, not identify")
				return
			case events.GatewayOpResume:
				resume := events.Resume{}
				if err = json.Unmarshal(frame.Data, &resume); err != nil {
					t.Errorf("failed to decode resume: %v", err)
					return
				}
				assert.Equal(t, "sess-9", resume.SessionID)
				assert.Equal(t, int64(5), resume.Seq)

				writeDispatch(conn, 6, "RESUMED", `{"_trace":[]}`)
			}
		}
	})
	defer stop()

	toShard := make(chan ManagerMessage, 16)
	fromShard := make(chan ShardMessage, 256)
	s := testShard(url, toShard, fromShard)
	s.sessionID = "sess-9"
	atomic.StoreInt64(s.sequence, 5)

	go s.Run()

	resumed := make(chan struct{}, 1)
	closed := make(chan struct{})

	go func() {
		defer close(closed)
		for msg := range fromShard {
			switch msg.Kind {
			case ShardIdentify, ShardScheduleIdentify:
				t.Error("shard requested identify admission during resume")
			case ShardDispatch:
				if msg.Dispatch.Type == "RESUMED" {
					select {
					case resumed <- struct{}{}:
					default:
					}
				}
			}
		}
	}()

	select {
	case <-resumed:
	case <-time.After(5 * time.Second):
		t.Fatal("shard never resumed")
	}

	assert.Equal(t, ShardReady, s.Status())
	assert.Equal(t, Session{SessionID: "sess-9", Seq: 6}, s.session())

	toShard <- ManagerMessage{Kind: ManagerDestroy}

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("control channel never closed after destroy")
	}
}

// TestHeartbeatDuringAdmissionWait holds a shard in the identify queue for
// several heartbeat intervals. The connection must keep processing ACKs the
// whole time instead of declaring itself a zombie and churning.
func TestHeartbeatDuringAdmissionWait(t *testing.T) {
	var conns int32

	url, stop := newMockGateway(t, func(conn *websocket.Conn) {
		atomic.AddInt32(&conns, 1)
		if err := writeHello(conn, 100); err != nil {
			return
		}

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}

			frame := events.ReceivedPayload{}
			if err = json.Unmarshal(msg, &frame); err != nil {
				return
			}

			switch frame.Op {
			case events.GatewayOpHeartbeat:
				writeServerJSON(conn, map[string]interface{}{"op": 11})
			case events.GatewayOpIdentify:
				writeDispatch(conn, 1, "READY", `{"v":6,"session_id":"sess-w","user":{"id":"1"},"guilds":[]}`)
			}
		}
	})
	defer stop()

	toShard := make(chan ManagerMessage, 16)
	fromShard := make(chan ShardMessage, 256)
	s := testShard(url, toShard, fromShard)
	go s.Run()

	var identifyRequests int32
	ready := make(chan struct{}, 1)
	closed := make(chan struct{})

	go func() {
		defer close(closed)
		for msg := range fromShard {
			switch msg.Kind {
			case ShardIdentify, ShardScheduleIdentify:
				atomic.AddInt32(&identifyRequests, 1)
			case ShardGatewayStatus:
				if msg.Gateway == GatewayStatusReady {
					select {
					case ready <- struct{}{}:
					default:
					}
				}
			}
		}
	}()

	// Six heartbeat intervals with no grant issued.
	time.Sleep(600 * time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&conns))
	assert.Equal(t, int32(1), atomic.LoadInt32(&identifyRequests))
	assert.Equal(t, ShardIdentifying, s.Status())

	toShard <- ManagerMessage{Kind: ManagerIdentify}

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("shard never became ready after the grant")
	}

	toShard <- ManagerMessage{Kind: ManagerDestroy}

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("control channel never closed after destroy")
	}
}

// TestInvalidSessionReidentify covers a rejected identify: the gateway sends
// INVALID_SESSION(d=false), the shard reports it back, is re-admitted and
// becomes ready on the second identify.
func TestInvalidSessionReidentify(t *testing.T) {
	var identifies int32

	url, stop := newMockGateway(t, func(conn *websocket.Conn) {
		if err := writeHello(conn, 45000); err != nil {
			return
		}

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}

			frame := events.ReceivedPayload{}
			if err = json.Unmarshal(msg, &frame); err != nil {
				return
			}

			switch frame.Op {
			case events.GatewayOpHeartbeat:
				writeServerJSON(conn, map[string]interface{}{"op": 11})
			case events.GatewayOpIdentify:
				if atomic.AddInt32(&identifies, 1) == 1 {
					writeServerJSON(conn, map[string]interface{}{"op": 9, "d": false})
				} else {
					writeDispatch(conn, 1, "READY", `{"v":6,"session_id":"sess-r","user":{"id":"1"},"guilds":[]}`)
				}
			}
		}
	})
	defer stop()

	toShard := make(chan ManagerMessage, 16)
	fromShard := make(chan ShardMessage, 256)
	s := testShard(url, toShard, fromShard)
	go s.Run()

	statuses := make(chan GatewayStatus, 4)
	closed := make(chan struct{})

	go func() {
		defer close(closed)
		for msg := range fromShard {
			switch msg.Kind {
			case ShardIdentify, ShardScheduleIdentify:
				toShard <- ManagerMessage{Kind: ManagerIdentify}
			case ShardGatewayStatus:
				statuses <- msg.Gateway
				if msg.Gateway == GatewayStatusInvalidSession {
					// The manager re-enqueues the shard and grants again.
					// The grant lands while the shard is still in its
					// jittered wait and must survive until consumed.
					toShard <- ManagerMessage{Kind: ManagerIdentify}
				}
			}
		}
	}()

	waitStatus := func(want GatewayStatus) {
		select {
		case got := <-statuses:
			assert.Equal(t, want, got)
		case <-time.After(15 * time.Second):
			t.Fatalf("never received gateway status %d", want)
		}
	}

	waitStatus(GatewayStatusInvalidSession)
	waitStatus(GatewayStatusReady)

	assert.Equal(t, int32(2), atomic.LoadInt32(&identifies))
	assert.Equal(t, ShardReady, s.Status())

	toShard <- ManagerMessage{Kind: ManagerDestroy}

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("control channel never closed after destroy")
	}
}

// TestZombieResume covers an unacknowledged heartbeat: the shard closes the
// zombied connection with 4000 and resumes its session on the next one.
func TestZombieResume(t *testing.T) {
	var conns int32

	url, stop := newMockGateway(t, func(conn *websocket.Conn) {
		n := atomic.AddInt32(&conns, 1)
		if err := writeHello(conn, 200); err != nil {
			return
		}

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if closeErr, ok := err.(*websocket.CloseError); ok && n == 1 {
					assert.Equal(t, events.CloseUnknownError, closeErr.Code)
				}
				return
			}

			frame := events.ReceivedPayload{}
			if err = json.Unmarshal(msg, &frame); err != nil {
				return
			}

			switch frame.Op {
			case events.GatewayOpHeartbeat:
				// Heartbeats on the first connection are never
				// acknowledged so it becomes a zombie.
				if n > 1 {
					writeServerJSON(conn, map[string]interface{}{"op": 11})
				}
			case events.GatewayOpIdentify:
				if n > 1 {
					t.Error("second connection should resume, not identify")
					return
				}
				writeDispatch(conn, 1, "READY", `{"v":6,"session_id":"sess-z","user":{"id":"1"},"guilds":[]}`)
			case events.GatewayOpResume:
				if n == 1 {
					t.Error("first connection should identify, not resume")
					return
				}

				resume := events.Resume{}
				if err = json.Unmarshal(frame.Data, &resume); err != nil {
					return
				}
				assert.Equal(t, "sess-z", resume.SessionID)
				assert.Equal(t, int64(1), resume.Seq)

				writeDispatch(conn, 2, "RESUMED", `{"_trace":[]}`)
			}
		}
	})
	defer stop()

	toShard := make(chan ManagerMessage, 16)
	fromShard := make(chan ShardMessage, 256)
	s := testShard(url, toShard, fromShard)
	go s.Run()

	resumed := make(chan struct{}, 1)
	closed := make(chan struct{})

	go func() {
		defer close(closed)
		for msg := range fromShard {
			switch msg.Kind {
			case ShardIdentify, ShardScheduleIdentify:
				toShard <- ManagerMessage{Kind: ManagerIdentify}
			case ShardDispatch:
				if msg.Dispatch.Type == "RESUMED" {
					select {
					case resumed <- struct{}{}:
					default:
					}
				}
			}
		}
	}()

	select {
	case <-resumed:
	case <-time.After(10 * time.Second):
		t.Fatal("shard never resumed after the zombied connection")
	}

	assert.Equal(t, int32(2), atomic.LoadInt32(&conns))
	assert.Equal(t, ShardReady, s.Status())

	toShard <- ManagerMessage{Kind: ManagerDestroy}

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("control channel never closed after destroy")
	}
}

func TestCloseCode(t *testing.T) {
	assert.Equal(t, -1, closeCode(nil))
	assert.Equal(t, -1, closeCode(errors.New("dial tcp: connection refused")))
	assert.Equal(t, 4004, closeCode(&websocket.CloseError{Code: 4004}))
	assert.Equal(t, 4014, closeCode(errors.Wrap(&websocket.CloseError{Code: 4014}, "read failed")))
}

func TestSessionResumable(t *testing.T) {
	assert.False(t, Session{}.Resumable())
	assert.False(t, Session{SessionID: "a"}.Resumable())
	assert.False(t, Session{Seq: 2}.Resumable())
	assert.True(t, Session{SessionID: "a", Seq: 2}.Resumable())
}

func TestRedactToken(t *testing.T) {
	message := redactToken("Bot abc123", "error identifying with token Bot abc123")
	assert.NotContains(t, message, "abc123")

	message = redactToken("abc123", "error identifying with token abc123")
	assert.NotContains(t, message, "abc123")
}
