package swarm

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// trackerMessage is the JSON frame exchanged with the tracker.
type trackerMessage struct {
	Type  string `json:"type"` // "join", "leave", "peers"
	Key   string `json:"key"`
	Peer  string `json:"peer,omitempty"`
	Count int    `json:"count,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Tracker is the server side of swarm membership: peers hold a websocket
// connection per joined archive, and the tracker pushes peer-count updates
// to every member whenever the swarm changes.
type Tracker struct {
	mu     sync.Mutex
	swarms map[string]map[*websocket.Conn]string // key -> conn -> peer id
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{swarms: make(map[string]map[*websocket.Conn]string)}
}

// NumPeers returns the current swarm size for a key.
func (t *Tracker) NumPeers(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.swarms[key])
}

// Handler returns an HTTP handler that upgrades connections to websocket
// and processes join/leave messages.
func (t *Tracker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("tracker websocket upgrade failed")
			return
		}
		defer func() { _ = conn.Close() }()

		var joinedKey string
		defer func() {
			if joinedKey != "" {
				t.remove(joinedKey, conn)
			}
		}()

		for {
			var msg trackerMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug().Err(err).Msg("tracker websocket read error")
				}
				return
			}

			switch msg.Type {
			case "join":
				if joinedKey != "" {
					t.remove(joinedKey, conn)
				}
				joinedKey = msg.Key
				t.add(msg.Key, conn, msg.Peer)
			case "leave":
				if joinedKey != "" {
					t.remove(joinedKey, conn)
					joinedKey = ""
				}
			}
		}
	}
}

func (t *Tracker) add(key string, conn *websocket.Conn, peer string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.swarms[key] == nil {
		t.swarms[key] = make(map[*websocket.Conn]string)
	}
	t.swarms[key][conn] = peer
	t.broadcastLocked(key)
}

func (t *Tracker) remove(key string, conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.swarms[key], conn)
	if len(t.swarms[key]) == 0 {
		delete(t.swarms, key)
		return
	}
	t.broadcastLocked(key)
}

// broadcastLocked pushes the swarm size to every member. Must be called
// with t.mu held, which also serializes writes per connection.
func (t *Tracker) broadcastLocked(key string) {
	count := len(t.swarms[key])
	for conn := range t.swarms[key] {
		if err := conn.WriteJSON(trackerMessage{Type: "peers", Key: key, Count: count}); err != nil {
			log.Debug().Err(err).Str("key", key).Msg("tracker broadcast failed")
		}
	}
}

// TrackerClient dials the tracker and maintains one session per joined
// archive.
type TrackerClient struct {
	url string // ws:// or wss:// endpoint
}

// NewTrackerClient creates a client for the tracker at url.
func NewTrackerClient(url string) *TrackerClient {
	return &TrackerClient{url: url}
}

// trackerSession is one live swarm membership. The read loop keeps the
// last announced peer count; the count includes this peer.
type trackerSession struct {
	conn  *websocket.Conn
	peers atomic.Int64
	once  sync.Once
}

func (c *TrackerClient) join(ctx context.Context, key, peerID string) (*trackerSession, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, err
	}

	if err := conn.WriteJSON(trackerMessage{Type: "join", Key: key, Peer: peerID}); err != nil {
		_ = conn.Close()
		return nil, err
	}

	s := &trackerSession{conn: conn}
	go s.readLoop(key)
	return s, nil
}

func (s *trackerSession) readLoop(key string) {
	for {
		var msg trackerMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			s.peers.Store(0)
			return
		}
		if msg.Type == "peers" && msg.Key == key {
			s.peers.Store(int64(msg.Count))
		}
	}
}

// numPeers returns the swarm size excluding this peer.
func (s *trackerSession) numPeers() int {
	n := int(s.peers.Load()) - 1
	if n < 0 {
		return 0
	}
	return n
}

func (s *trackerSession) close() {
	s.once.Do(func() {
		_ = s.conn.WriteJSON(trackerMessage{Type: "leave"})
		_ = s.conn.Close()
	})
}
