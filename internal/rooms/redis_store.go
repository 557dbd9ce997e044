package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/desklink/internal/models"
)

const maxJoinRetries = 5

// RedisStore keeps room metadata under <prefix>:room:<id>, the code index
// under <prefix>:code:<code> and presence in the set <prefix>:room:<id>:peers.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisStore(rdb *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "desklink"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl, now: time.Now}
}

func (s *RedisStore) roomKey(id string) string   { return s.prefix + ":room:" + id }
func (s *RedisStore) codeKey(code string) string { return s.prefix + ":code:" + code }
func (s *RedisStore) peersKey(id string) string  { return s.prefix + ":room:" + id + ":peers" }

func (s *RedisStore) Create(ctx context.Context, creatorID string, maxPeers int) (*models.RoomMetadata, error) {
	meta, err := newRoom(creatorID, maxPeers, s.now())
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.roomKey(meta.ID), data, s.ttl)
		// Store code-to-ID mapping for easy lookup
		pipe.Set(ctx, s.codeKey(meta.Code), meta.ID, s.ttl)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store room: %w", err)
	}
	return meta, nil
}

func (s *RedisStore) resolve(ctx context.Context, identifier string) (string, error) {
	if len(identifier) != CodeLength {
		return identifier, nil
	}
	id, err := s.rdb.Get(ctx, s.codeKey(identifier)).Result()
	if errors.Is(err, redis.Nil) {
		// Not a code; treat it as an id.
		return identifier, nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *RedisStore) load(ctx context.Context, identifier string) (*models.RoomMetadata, error) {
	id, err := s.resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}
	data, err := s.rdb.Get(ctx, s.roomKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var meta models.RoomMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse room data: %w", err)
	}
	count, err := s.rdb.SCard(ctx, s.peersKey(meta.ID)).Result()
	if err != nil {
		return nil, err
	}
	meta.PeerCount = int(count)
	return &meta, nil
}

func (s *RedisStore) Get(ctx context.Context, identifier string) (*models.RoomMetadata, error) {
	return s.load(ctx, identifier)
}

func (s *RedisStore) Delete(ctx context.Context, id, userID string) error {
	meta, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if meta.CreatorID != userID {
		return ErrForbidden
	}
	return s.rdb.Del(ctx, s.roomKey(meta.ID), s.codeKey(meta.Code), s.peersKey(meta.ID)).Err()
}

// Join adds peerID to the presence set. The capacity check and the add run
// in one WATCH transaction so concurrent joins cannot overfill the room.
func (s *RedisStore) Join(ctx context.Context, roomID, peerID string) (*models.RoomMetadata, error) {
	meta, err := s.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	key := s.peersKey(meta.ID)
	var count int64

	txf := func(tx *redis.Tx) error {
		member, err := tx.SIsMember(ctx, key, peerID).Result()
		if err != nil {
			return err
		}
		count, err = tx.SCard(ctx, key).Result()
		if err != nil {
			return err
		}
		if !member && int(count) >= meta.MaxPeers {
			return ErrFull
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, key, peerID)
			pipe.Expire(ctx, key, s.ttl)
			return nil
		})
		if err == nil && !member {
			count++
		}
		return err
	}

	for i := 0; i < maxJoinRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		meta.PeerCount = int(count)
		return meta, nil
	}
	return nil, fmt.Errorf("room %s: too much contention", meta.ID)
}

func (s *RedisStore) Leave(ctx context.Context, roomID, peerID string) error {
	return s.rdb.SRem(ctx, s.peersKey(roomID), peerID).Err()
}
