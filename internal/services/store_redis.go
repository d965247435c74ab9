// Package services – RedisStore
//
// This file implements RedisStore, a SessionStore on go-redis. Each session
// is a hash; lookup keys map user|room and verification room to its id, and a
// sorted set indexes sessions by creation time. Create runs as one Lua script
// so a conflict never leaves partial keys behind.

package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tbourn/go-gate-bot/internal/domain"
)

// RedisStore keeps sessions in Redis:
//
//	<prefix>session:<id>      hash of session fields
//	<prefix>user:<user>|<room> session ID, one per user and main room
//	<prefix>vroom:<room>      session ID owning a verification room
//	<prefix>sessions          sorted set of IDs scored by creation time
type RedisStore struct {
	Client *redis.Client
	Prefix string
	Now    func() time.Time
}

// NewRedisStore returns a RedisStore using the "gatebot:" key prefix.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{Client: client, Prefix: "gatebot:", Now: time.Now}
}

func (r *RedisStore) sessionKey(id string) string { return r.Prefix + "session:" + id }
func (r *RedisStore) userKey(user, room string) string {
	return r.Prefix + "user:" + userRoomKey(user, room)
}
func (r *RedisStore) roomKey(room string) string { return r.Prefix + "vroom:" + room }
func (r *RedisStore) indexKey() string           { return r.Prefix + "sessions" }

// createScript reserves the user key (KEYS[1]) and, when present, the
// verification room key (KEYS[4]), then writes the hash (KEYS[2]) and the
// creation index (KEYS[3]) in one step. Returns 0 when a key is taken.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
if #KEYS == 4 and redis.call('EXISTS', KEYS[4]) == 1 then return 0 end
redis.call('SET', KEYS[1], ARGV[1])
if #KEYS == 4 then redis.call('SET', KEYS[4], ARGV[1]) end
redis.call('HSET', KEYS[2], unpack(ARGV, 3))
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return 1
`)

// releaseDanglingScript deletes index key KEYS[1] when the session it points
// at (ARGV[1] .. id) no longer exists.
var releaseDanglingScript = redis.NewScript(`
local owner = redis.call('GET', KEYS[1])
if not owner then return 0 end
if redis.call('EXISTS', ARGV[1] .. owner) == 1 then return 0 end
redis.call('DEL', KEYS[1])
return 1
`)

// Create stores s and its index keys atomically. ErrDuplicateSession when
// the user/room pair or the verification room already has a live session.
// Index keys left pointing at a missing session are released and the
// create is retried once.
func (r *RedisStore) Create(ctx context.Context, s *domain.VerificationSession) error {
	if err := prepareNew(s, r.Now()); err != nil {
		return err
	}
	keys := []string{r.userKey(s.UserID, s.MainRoomID), r.sessionKey(s.ID), r.indexKey()}
	reserved := []string{keys[0]}
	if room := s.RoomID(); room != "" {
		keys = append(keys, r.roomKey(room))
		reserved = append(reserved, r.roomKey(room))
	}
	args := []any{s.ID, strconv.FormatInt(s.CreatedAt.UnixNano(), 10)}
	for k, v := range encodeSession(s) {
		args = append(args, k, v)
	}

	for attempt := 0; attempt < 2; attempt++ {
		created, err := createScript.Run(ctx, r.Client, keys, args...).Int()
		if err != nil {
			return fmt.Errorf("redis: create session: %w", err)
		}
		if created == 1 {
			return nil
		}
		released, err := r.releaseDangling(ctx, reserved...)
		if err != nil {
			return err
		}
		if !released {
			break
		}
	}
	return ErrDuplicateSession
}

func (r *RedisStore) releaseDangling(ctx context.Context, indexKeys ...string) (bool, error) {
	released := false
	for _, key := range indexKeys {
		n, err := releaseDanglingScript.Run(ctx, r.Client, []string{key}, r.Prefix+"session:").Int()
		if err != nil {
			return false, fmt.Errorf("redis: release index key: %w", err)
		}
		released = released || n == 1
	}
	return released, nil
}

// FindByID reads the session hash.
func (r *RedisStore) FindByID(ctx context.Context, id string) (*domain.VerificationSession, error) {
	fields, err := r.Client.HGetAll(ctx, r.sessionKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrSessionNotFound
	}
	return decodeSession(fields)
}

// FindByUser resolves the user|room lookup key.
func (r *RedisStore) FindByUser(ctx context.Context, userID, mainRoomID string) (*domain.VerificationSession, error) {
	return r.findVia(ctx, r.userKey(userID, mainRoomID))
}

// FindByVerificationRoom resolves the verification room lookup key.
func (r *RedisStore) FindByVerificationRoom(ctx context.Context, roomID string) (*domain.VerificationSession, error) {
	return r.findVia(ctx, r.roomKey(roomID))
}

func (r *RedisStore) findVia(ctx context.Context, indexKey string) (*domain.VerificationSession, error) {
	id, err := r.Client.Get(ctx, indexKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.FindByID(ctx, id)
}

// Update rewrites the hash under WATCH when the stored status equals
// expected, otherwise ErrStaleSession.
func (r *RedisStore) Update(ctx context.Context, s *domain.VerificationSession, expected domain.SessionStatus) error {
	if err := checkUpdate(s, expected); err != nil {
		return err
	}
	key := r.sessionKey(s.ID)
	err := r.Client.Watch(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return ErrStaleSession
		}
		cur, err := decodeSession(fields)
		if err != nil {
			return err
		}
		if cur.Status != expected {
			return ErrStaleSession
		}

		newRoom, oldRoom := s.RoomID(), cur.RoomID()
		if newRoom != "" && newRoom != oldRoom {
			ok, err := tx.SetNX(ctx, r.roomKey(newRoom), s.ID, 0).Result()
			if err != nil {
				return err
			}
			if !ok {
				owner, err := tx.Get(ctx, r.roomKey(newRoom)).Result()
				if err != nil && !errors.Is(err, redis.Nil) {
					return err
				}
				if owner != s.ID {
					return ErrDuplicateSession
				}
			}
		}

		s.UserID, s.MainRoomID, s.CreatedAt = cur.UserID, cur.MainRoomID, cur.CreatedAt
		s.UpdatedAt = r.Now().UTC()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeSession(s))
			if oldRoom != "" && oldRoom != newRoom {
				pipe.Del(ctx, r.roomKey(oldRoom))
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrStaleSession
	}
	return err
}

// Remove deletes the hash, its lookup keys and index entry.
func (r *RedisStore) Remove(ctx context.Context, id string) error {
	s, err := r.FindByID(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = r.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.sessionKey(id), r.userKey(s.UserID, s.MainRoomID))
		if room := s.RoomID(); room != "" {
			pipe.Del(ctx, r.roomKey(room))
		}
		pipe.ZRem(ctx, r.indexKey(), id)
		return nil
	})
	return err
}

// ListPage reads a range of the creation-time index.
func (r *RedisStore) ListPage(ctx context.Context, offset, limit int) ([]domain.VerificationSession, int64, error) {
	offset, limit = pageBounds(offset, limit)
	total, err := r.Client.ZCard(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, 0, err
	}
	ids, err := r.Client.ZRevRange(ctx, r.indexKey(), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, 0, err
	}
	items, err := r.load(ctx, ids)
	return items, total, err
}

// ListStale scans the index up to before and skips terminal sessions.
func (r *RedisStore) ListStale(ctx context.Context, before time.Time) ([]domain.VerificationSession, error) {
	ids, err := r.Client.ZRangeByScore(ctx, r.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixNano(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	all, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, s := range all {
		if s.Status.Pending() {
			out = append(out, s)
		}
	}
	return out, nil
}

// Stats counts sessions per status over the whole index.
func (r *RedisStore) Stats(ctx context.Context) (map[domain.SessionStatus]int64, error) {
	ids, err := r.Client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	all, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.SessionStatus]int64, len(domain.AllStatuses))
	for _, st := range domain.AllStatuses {
		out[st] = 0
	}
	for _, s := range all {
		out[s.Status]++
	}
	return out, nil
}

// load fetches sessions by ID in order, skipping IDs whose hash vanished.
func (r *RedisStore) load(ctx context.Context, ids []string) ([]domain.VerificationSession, error) {
	if len(ids) == 0 {
		return []domain.VerificationSession{}, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := r.Client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, r.sessionKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.VerificationSession, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		s, err := decodeSession(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

func encodeSession(s *domain.VerificationSession) map[string]any {
	return map[string]any{
		"id":                   s.ID,
		"user_id":              s.UserID,
		"main_room_id":         s.MainRoomID,
		"verification_room_id": s.RoomID(),
		"captcha_answer":       s.Answer(),
		"status":               string(s.Status),
		"created_at":           s.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":           s.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func decodeSession(f map[string]string) (*domain.VerificationSession, error) {
	s := &domain.VerificationSession{
		ID:         f["id"],
		UserID:     f["user_id"],
		MainRoomID: f["main_room_id"],
		Status:     domain.SessionStatus(f["status"]),
	}
	if v := f["verification_room_id"]; v != "" {
		s.VerificationRoomID = &v
	}
	if v := f["captcha_answer"]; v != "" {
		s.CaptchaAnswer = &v
	}
	var err error
	if s.CreatedAt, err = time.Parse(time.RFC3339Nano, f["created_at"]); err != nil {
		return nil, fmt.Errorf("redis: session %s created_at: %w", s.ID, err)
	}
	if s.UpdatedAt, err = time.Parse(time.RFC3339Nano, f["updated_at"]); err != nil {
		return nil, fmt.Errorf("redis: session %s updated_at: %w", s.ID, err)
	}
	return s, nil
}
