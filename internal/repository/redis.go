package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

type redisRateStore struct {
	client *redis.Client
}

// NewRedisRateStore returns a Redis-backed RateStore. Counters live in Redis
// so multiple gateway instances behind a load balancer share one window per
// key. Key expiry replaces the in-memory sweep.
func NewRedisRateStore(client *redis.Client) RateStore {
	return &redisRateStore{client: client}
}

// fixedWindowLua increments only when under the limit; a denied hit returns
// the remaining window in milliseconds.
var fixedWindowLua = redis.NewScript(`
local cnt = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if cnt >= limit then
  local ttl = redis.call('PTTL', KEYS[1])
  if ttl < 0 then ttl = tonumber(ARGV[2]) end
  return {0, 0, ttl}
end
cnt = redis.call('INCR', KEYS[1])
if cnt == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, limit - cnt, 0}
`)

func (r *redisRateStore) Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	res, err := fixedWindowLua.Run(ctx, r.client, []string{"rl:" + key}, limit, window.Milliseconds()).Result()
	if err != nil {
		return Decision{}, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 3 {
		return Decision{}, fmt.Errorf("unexpected redis response: %v", res)
	}
	if toInt64(arr[0]) == 1 {
		return Decision{Allowed: true, Remaining: int(toInt64(arr[1]))}, nil
	}
	ttlMillis := toInt64(arr[2])
	secs := int((ttlMillis + 999) / 1000)
	if secs < 1 {
		secs = 1
	}
	return Decision{Remaining: 0, RetryAfterSeconds: secs}, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		return 0
	}
}

type redisSessionStore struct {
	client *redis.Client
	// reservationTTL expires the (address, amount) reservation of sessions
	// that are never accessed again after their window elapsed.
	reservationTTL time.Duration
}

// reservationGrace pads the reservation past the session TTL so a live
// session cannot lose its amount before it expires.
const reservationGrace = 10 * time.Minute

// NewRedisSessionStore returns a Redis-backed SessionStore. Sessions are
// hashes; a SETNX index serializes tx-hash binding globally and another
// reserves the (address, amount) pair for exact-amount disambiguation.
// The reservation carries a TTL of sessionTTL plus a grace margin; terminal
// transitions release it early.
func NewRedisSessionStore(client *redis.Client, sessionTTL time.Duration) SessionStore {
	ttl := time.Duration(0)
	if sessionTTL > 0 {
		ttl = sessionTTL + reservationGrace
	}
	return &redisSessionStore{client: client, reservationTTL: ttl}
}

func sessKey(id string) string             { return "topup:sess:" + id }
func txKey(hash string) string             { return "topup:tx:" + hash }
func amountKey(addr, amount string) string { return "topup:amt:" + addr + ":" + amount }

func (r *redisSessionStore) Create(ctx context.Context, s *Session) error {
	reserved, err := r.client.SetNX(ctx, amountKey(s.DepositAddress, s.AmountBaseUnits), s.ID, r.reservationTTL).Result()
	if err != nil {
		return err
	}
	if !reserved {
		return ErrAmountInUse
	}
	return r.client.HSet(ctx, sessKey(s.ID), map[string]interface{}{
		"id":                     s.ID,
		"provider":               s.Provider,
		"provider_user_id":       s.ProviderUserID,
		"deposit_address":        s.DepositAddress,
		"amount_base_units":      s.AmountBaseUnits,
		"amount_usd":             strconv.FormatFloat(s.AmountUSD, 'f', -1, 64),
		"token_symbol":           s.TokenSymbol,
		"chain":                  s.Chain,
		"credits_per_usd":        s.CreditsPerUSD,
		"credits_estimated":      s.CreditsEstimated,
		"credits_credited":       s.CreditsCredited,
		"status":                 string(s.Status),
		"tx_hash":                s.TxHash,
		"confirmations":          s.Confirmations,
		"required_confirmations": s.RequiredConfirmations,
		"created_at":             s.CreatedAt.UnixNano(),
		"confirmed_at":           timeField(s.ConfirmedAt),
		"credited_at":            timeField(s.CreditedAt),
	}).Err()
}

func (r *redisSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	fields, err := r.client.HGetAll(ctx, sessKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrSessionNotFound
	}
	s := &Session{
		ID:                    fields["id"],
		Provider:              fields["provider"],
		ProviderUserID:        fields["provider_user_id"],
		DepositAddress:        fields["deposit_address"],
		AmountBaseUnits:       fields["amount_base_units"],
		TokenSymbol:           fields["token_symbol"],
		Chain:                 fields["chain"],
		Status:                Status(fields["status"]),
		TxHash:                fields["tx_hash"],
		CreatedAt:             parseTime(fields["created_at"]),
		ConfirmedAt:           parseTime(fields["confirmed_at"]),
		CreditedAt:            parseTime(fields["credited_at"]),
	}
	s.AmountUSD, _ = strconv.ParseFloat(fields["amount_usd"], 64)
	s.CreditsPerUSD, _ = strconv.ParseInt(fields["credits_per_usd"], 10, 64)
	s.CreditsEstimated, _ = strconv.ParseInt(fields["credits_estimated"], 10, 64)
	s.CreditsCredited, _ = strconv.ParseInt(fields["credits_credited"], 10, 64)
	conf, _ := strconv.Atoi(fields["confirmations"])
	s.Confirmations = conf
	req, _ := strconv.Atoi(fields["required_confirmations"])
	s.RequiredConfirmations = req
	return s, nil
}

// bindTxLua: first-writer-wins on both the global tx index and the session's
// tx_hash field.
var bindTxLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 'notfound'
end
local owner = redis.call('GET', KEYS[2])
if owner and owner ~= ARGV[1] then
  return 'bound'
end
local cur = redis.call('HGET', KEYS[1], 'tx_hash')
if cur and cur ~= '' and cur ~= ARGV[2] then
  return 'bound'
end
redis.call('SET', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'tx_hash', ARGV[2])
return 'ok'
`)

func (r *redisSessionStore) BindTx(ctx context.Context, id, txHash string) error {
	res, err := bindTxLua.Run(ctx, r.client, []string{sessKey(id), txKey(txHash)}, id, txHash).Text()
	if err != nil {
		return err
	}
	switch res {
	case "ok":
		return nil
	case "bound":
		return ErrTxBound
	default:
		return ErrSessionNotFound
	}
}

func (r *redisSessionStore) SetConfirmations(ctx context.Context, id string, confirmations int) error {
	n, err := r.client.Exists(ctx, sessKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return r.client.HSet(ctx, sessKey(id), "confirmations", confirmations).Err()
}

// casStatusLua swaps status iff it equals the expected value. Terminal
// transitions release the (address, amount) reservation.
var casStatusLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 'notfound'
end
if redis.call('HGET', KEYS[1], 'status') ~= ARGV[1] then
  return 'miss'
end
redis.call('HSET', KEYS[1], 'status', ARGV[2])
if ARGV[3] ~= '' then
  redis.call('HSET', KEYS[1], 'confirmed_at', ARGV[3])
end
if ARGV[4] == '1' then
  redis.call('DEL', KEYS[2])
end
return 'ok'
`)

func (r *redisSessionStore) CASStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	s, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	confirmedAt := ""
	if to == StatusConfirmed {
		confirmedAt = strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	release := "0"
	if to.Terminal() {
		release = "1"
	}
	res, err := casStatusLua.Run(ctx, r.client,
		[]string{sessKey(id), amountKey(s.DepositAddress, s.AmountBaseUnits)},
		string(from), string(to), confirmedAt, release).Text()
	if err != nil {
		return false, err
	}
	switch res {
	case "ok":
		return true, nil
	case "miss":
		return false, nil
	default:
		return false, ErrSessionNotFound
	}
}

// markCreditedLua performs confirmed -> credited and records the credited
// amount exactly once.
var markCreditedLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 'notfound'
end
if redis.call('HGET', KEYS[1], 'status') ~= 'confirmed' then
  return 'miss'
end
redis.call('HSET', KEYS[1], 'status', 'credited', 'credits_credited', ARGV[1], 'credited_at', ARGV[2])
redis.call('DEL', KEYS[2])
return 'ok'
`)

func (r *redisSessionStore) MarkCredited(ctx context.Context, id string, credits int64, at time.Time) (bool, error) {
	s, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	res, err := markCreditedLua.Run(ctx, r.client,
		[]string{sessKey(id), amountKey(s.DepositAddress, s.AmountBaseUnits)},
		credits, at.UnixNano()).Text()
	if err != nil {
		return false, err
	}
	switch res {
	case "ok":
		return true, nil
	case "miss":
		return false, nil
	default:
		return false, ErrSessionNotFound
	}
}

func timeField(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func parseTime(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
