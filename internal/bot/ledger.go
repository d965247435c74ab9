package bot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/tbourn/go-gate-bot/internal/repo"
)

// Ledger records handled event IDs so redelivered sync events are skipped.
type Ledger interface {
	// Claim reports whether eventID was claimed by this call. false means
	// the event was already handled.
	Claim(ctx context.Context, eventID string) (bool, error)
}

// SyncTokens persists the /sync position.
type SyncTokens interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, token string) error
}

// SQLLedger stores claims in the processed_events table.
type SQLLedger struct {
	DB  *gorm.DB
	TTL time.Duration
	Now func() time.Time
}

func (l *SQLLedger) Claim(ctx context.Context, eventID string) (bool, error) {
	now := time.Now()
	if l.Now != nil {
		now = l.Now()
	}
	err := repo.ClaimEvent(ctx, l.DB, eventID, l.TTL, now)
	if errors.Is(err, repo.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SQLSyncTokens stores the sync token in the sync_state table under Key.
type SQLSyncTokens struct {
	DB  *gorm.DB
	Key string
}

func (s *SQLSyncTokens) Load(ctx context.Context) (string, error) {
	return repo.LoadSyncToken(ctx, s.DB, s.Key)
}

func (s *SQLSyncTokens) Save(ctx context.Context, token string) error {
	return repo.SaveSyncToken(ctx, s.DB, s.Key, token)
}

// RedisLedger claims events with SET NX and lets Redis expire them.
type RedisLedger struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
}

func (l *RedisLedger) Claim(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return true, nil
	}
	return l.Client.SetNX(ctx, l.Prefix+"event:"+eventID, 1, l.TTL).Result()
}

// RedisSyncTokens keeps the sync token in a single Redis key.
type RedisSyncTokens struct {
	Client *redis.Client
	Key    string
}

func (s *RedisSyncTokens) Load(ctx context.Context) (string, error) {
	v, err := s.Client.Get(ctx, s.Key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (s *RedisSyncTokens) Save(ctx context.Context, token string) error {
	return s.Client.Set(ctx, s.Key, token, 0).Err()
}

// MemoryLedger is a process-local Ledger. Claims older than TTL are
// forgotten on the next Claim.
type MemoryLedger struct {
	TTL time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

func (l *MemoryLedger) Claim(_ context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return true, nil
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen == nil {
		l.seen = make(map[string]time.Time)
	}
	for id, at := range l.seen {
		if l.TTL > 0 && now.Sub(at) >= l.TTL {
			delete(l.seen, id)
		}
	}
	if _, ok := l.seen[eventID]; ok {
		return false, nil
	}
	l.seen[eventID] = now
	return true, nil
}

// MemorySyncTokens holds the sync token for the life of the process.
type MemorySyncTokens struct {
	mu    sync.Mutex
	token string
}

func (s *MemorySyncTokens) Load(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *MemorySyncTokens) Save(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}
