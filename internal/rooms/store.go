// Package rooms stores mesh meeting rooms and their presence sets.
package rooms

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mossy-p/desklink/internal/models"
)

var (
	ErrNotFound  = errors.New("rooms: room not found")
	ErrFull      = errors.New("rooms: room is full")
	ErrForbidden = errors.New("rooms: only the room creator can delete the room")
)

const (
	CodeLength      = 6
	DefaultMaxPeers = 8
	DefaultTTL      = 24 * time.Hour
	codeChars       = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

// Store persists rooms. Identifiers accepted by Get are either the room id
// or its short code.
type Store interface {
	Create(ctx context.Context, creatorID string, maxPeers int) (*models.RoomMetadata, error)
	Get(ctx context.Context, identifier string) (*models.RoomMetadata, error)
	Delete(ctx context.Context, id, userID string) error
	// Join adds peerID to the presence set. Joining a room twice is not an
	// error; joining a full room is.
	Join(ctx context.Context, roomID, peerID string) (*models.RoomMetadata, error)
	Leave(ctx context.Context, roomID, peerID string) error
}

// GenerateCode returns a random room code
func GenerateCode() (string, error) {
	code := make([]byte, CodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		if err != nil {
			return "", err
		}
		code[i] = codeChars[n.Int64()]
	}
	return string(code), nil
}

func newRoom(creatorID string, maxPeers int, now time.Time) (*models.RoomMetadata, error) {
	if maxPeers == 0 {
		maxPeers = DefaultMaxPeers
	}
	code, err := GenerateCode()
	if err != nil {
		return nil, err
	}
	return &models.RoomMetadata{
		ID:        uuid.New().String(),
		Code:      code,
		CreatorID: creatorID,
		CreatedAt: now,
		MaxPeers:  maxPeers,
	}, nil
}

type memoryRoom struct {
	meta    models.RoomMetadata
	peers   map[string]struct{}
	expires time.Time
}

// MemoryStore keeps rooms in process. It is used when Redis is not
// configured and in tests.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	rooms map[string]*memoryRoom
	codes map[string]string
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:   ttl,
		now:   time.Now,
		rooms: make(map[string]*memoryRoom),
		codes: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, creatorID string, maxPeers int) (*models.RoomMetadata, error) {
	now := m.now()
	meta, err := newRoom(creatorID, maxPeers, now)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[meta.ID] = &memoryRoom{meta: *meta, peers: make(map[string]struct{}), expires: now.Add(m.ttl)}
	m.codes[meta.Code] = meta.ID
	return meta, nil
}

func (m *MemoryStore) lookup(identifier string) (*memoryRoom, bool) {
	id := identifier
	if len(identifier) == CodeLength {
		if byCode, ok := m.codes[identifier]; ok {
			id = byCode
		}
	}
	r, ok := m.rooms[id]
	if !ok {
		return nil, false
	}
	if m.now().After(r.expires) {
		delete(m.rooms, id)
		delete(m.codes, r.meta.Code)
		return nil, false
	}
	return r, true
}

func (r *memoryRoom) snapshot() *models.RoomMetadata {
	meta := r.meta
	meta.PeerCount = len(r.peers)
	return &meta
}

func (m *MemoryStore) Get(_ context.Context, identifier string) (*models.RoomMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.lookup(identifier)
	if !ok {
		return nil, ErrNotFound
	}
	return r.snapshot(), nil
}

func (m *MemoryStore) Delete(_ context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.lookup(id)
	if !ok {
		return ErrNotFound
	}
	if r.meta.CreatorID != userID {
		return ErrForbidden
	}
	delete(m.rooms, r.meta.ID)
	delete(m.codes, r.meta.Code)
	return nil
}

func (m *MemoryStore) Join(_ context.Context, roomID, peerID string) (*models.RoomMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.lookup(roomID)
	if !ok {
		return nil, ErrNotFound
	}
	if _, member := r.peers[peerID]; !member && len(r.peers) >= r.meta.MaxPeers {
		return nil, ErrFull
	}
	r.peers[peerID] = struct{}{}
	return r.snapshot(), nil
}

func (m *MemoryStore) Leave(_ context.Context, roomID, peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.lookup(roomID); ok {
		delete(r.peers, peerID)
	}
	return nil
}

// Peers returns the presence set of a room in sorted order.
func (m *MemoryStore) Peers(roomID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.lookup(roomID)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
