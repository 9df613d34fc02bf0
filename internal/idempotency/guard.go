package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/creditledger-backend/pkg/errors"
	"github.com/angelmondragon/creditledger-backend/pkg/redis"
)

// record is what a completed operation leaves behind in Redis. The
// fingerprint binds the key to the exact operation and arguments so a
// reused key with different inputs is rejected instead of replayed.
type record struct {
	Fingerprint string          `json:"fingerprint"`
	Result      json.RawMessage `json:"result"`
}

// Guard deduplicates retried operations by caller-supplied idempotency key.
type Guard struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

// NewGuard wires a guard over the Redis idempotency store.
func NewGuard(store redis.IdempotencyStore, ttl time.Duration) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("idempotency store required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("idempotency ttl must be positive")
	}
	return &Guard{store: store, ttl: ttl}, nil
}

// Outcome reports how Do resolved: Result always carries the operation's
// JSON-encoded return value; Replayed marks a cache hit.
type Outcome struct {
	Result   json.RawMessage
	Replayed bool
}

// Do runs fn at most once per (operation, key). An empty key disables the
// guard. The first completed call stores its JSON result under the key; a
// retry with matching arguments returns the stored result without running
// fn again, and a retry with different arguments fails.
func (g *Guard) Do(ctx context.Context, operation, key string, args any, fn func(ctx context.Context) (any, error)) (*Outcome, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		value, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, errors.Wrap(errors.CodeInternal, err, "encode operation result")
		}
		return &Outcome{Result: encoded}, nil
	}

	fingerprint, err := Fingerprint(operation, args)
	if err != nil {
		return nil, err
	}
	storageKey := g.store.IdempotencyKey(operation, key)

	stored, err := g.store.Get(ctx, storageKey)
	if err != nil && !stdErrors.Is(err, goredis.Nil) {
		return nil, errors.Wrap(errors.CodeDependency, err, "check idempotency key")
	}
	if stored != "" {
		return g.replay(stored, fingerprint)
	}

	value, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, err, "encode operation result")
	}

	payload, err := json.Marshal(record{Fingerprint: fingerprint, Result: encoded})
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, err, "encode idempotency record")
	}
	ok, err := g.store.SetNX(ctx, storageKey, string(payload), g.ttl)
	if err != nil {
		return nil, errors.Wrap(errors.CodeDependency, err, "store idempotency record")
	}
	if !ok {
		// Lost the race against a concurrent retry; the winner's stored
		// result is authoritative.
		winner, err := g.store.Get(ctx, storageKey)
		if err != nil {
			return nil, errors.Wrap(errors.CodeDependency, err, "load idempotency record")
		}
		return g.replay(winner, fingerprint)
	}
	return &Outcome{Result: encoded}, nil
}

func (g *Guard) replay(stored, fingerprint string) (*Outcome, error) {
	var rec record
	if err := json.Unmarshal([]byte(stored), &rec); err != nil {
		return nil, errors.Wrap(errors.CodeDependency, err, "decode idempotency record")
	}
	if rec.Fingerprint != fingerprint {
		return nil, errors.New(errors.CodeIdempotency, "idempotency key reused with different arguments")
	}
	return &Outcome{Result: rec.Result, Replayed: true}, nil
}

// Fingerprint hashes the operation name and its JSON-encoded arguments.
func Fingerprint(operation string, args any) (string, error) {
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", errors.Wrap(errors.CodeInternal, err, "encode operation arguments")
	}
	sum := sha256.Sum256(append([]byte(operation+"\n"), encoded...))
	return hex.EncodeToString(sum[:]), nil
}
