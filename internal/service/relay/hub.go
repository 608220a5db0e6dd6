package relay

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/nss-chat/backend/internal/logger"
	"github.com/zhouzirui/nss-chat/backend/internal/model/chat"
)

const peerQueueSize = 64

// Peer is one authenticated websocket connection. Frames queued for it are drained by
// the connection's writer from Outbound.
type Peer struct {
	ID      string
	Session chat.Session

	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewPeer returns a peer for session with its own outbound queue.
func NewPeer(session chat.Session) *Peer {
	return &Peer{
		ID:      uuid.NewString(),
		Session: session,
		send:    make(chan []byte, peerQueueSize),
		done:    make(chan struct{}),
	}
}

// Outbound yields frames to write to the peer's connection.
func (p *Peer) Outbound() <-chan []byte { return p.send }

// Done is closed once the peer is unregistered.
func (p *Peer) Done() <-chan struct{} { return p.done }

func (p *Peer) enqueue(frame []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- frame:
		return true
	default:
		return false
	}
}

// Hub tracks peers and the rooms they joined, and fans frames out to room members.
type Hub struct {
	log *zap.Logger

	mu    sync.RWMutex
	peers map[string]*Peer
	rooms map[chat.RoomKey]map[string]*Peer
}

// NewHub creates an empty Hub.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:   logger.OrNop(log).Named("hub"),
		peers: make(map[string]*Peer),
		rooms: make(map[chat.RoomKey]map[string]*Peer),
	}
}

// Register adds p to the hub.
func (h *Hub) Register(p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[p.ID] = p
	h.log.Debug("peer registered", zap.String("peer", p.ID), zap.String("user", p.Session.UserID))
}

// Unregister removes p from the hub and every room it joined. Membership is not kept
// across connections; clients join again after reconnecting.
func (h *Hub) Unregister(p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.peers[p.ID]; !ok {
		return
	}
	delete(h.peers, p.ID)
	for key, members := range h.rooms {
		delete(members, p.ID)
		if len(members) == 0 {
			delete(h.rooms, key)
		}
	}
	p.once.Do(func() { close(p.done) })
	h.log.Debug("peer unregistered", zap.String("peer", p.ID))
}

// Join adds p to room. Joining twice is a no-op.
func (h *Hub) Join(p *Peer, room chat.RoomKey) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.peers[p.ID]; !ok {
		return
	}
	members := h.rooms[room]
	if members == nil {
		members = make(map[string]*Peer)
		h.rooms[room] = members
	}
	members[p.ID] = p
	h.log.Debug("peer joined room", zap.String("peer", p.ID), zap.String("room", room.String()))
}

// Leave removes p from room.
func (h *Hub) Leave(p *Peer, room chat.RoomKey) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if members := h.rooms[room]; members != nil {
		delete(members, p.ID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Member reports whether p joined room.
func (h *Hub) Member(p *Peer, room chat.RoomKey) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][p.ID]
	return ok
}

// RoomSize returns the number of peers in room.
func (h *Hub) RoomSize(room chat.RoomKey) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// PeerCount returns the number of connected peers.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Broadcast sends env to every member of its room except skip (which may be nil) and returns
// how many peers it was queued for. Peers whose queue is full miss the frame.
func (h *Hub) Broadcast(env chat.Envelope, skip *Peer) int {
	frame, err := json.Marshal(env)
	if err != nil {
		h.log.Error("encode broadcast", zap.String("event", env.Event), zap.Error(err))
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for id, p := range h.rooms[env.Room] {
		if skip != nil && id == skip.ID {
			continue
		}
		if p.enqueue(frame) {
			sent++
			continue
		}
		h.log.Warn("peer queue full, dropping frame",
			zap.String("peer", id),
			zap.String("room", env.Room.String()),
			zap.String("event", env.Event),
		)
	}
	return sent
}

// Send queues env for p alone.
func (h *Hub) Send(p *Peer, env chat.Envelope) bool {
	frame, err := json.Marshal(env)
	if err != nil {
		h.log.Error("encode frame", zap.String("event", env.Event), zap.Error(err))
		return false
	}
	return p.enqueue(frame)
}
