package presence

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	roomKeyPrefix   = "presence:room:"
	memberKeyPrefix = "presence:member:"
)

// expiredMembersScript removes members whose score (expiry, Unix seconds) has
// passed and deletes their detail records in the same round trip.
var expiredMembersScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	for _, member in ipairs(expired) do
		redis.call("DEL", KEYS[2] .. member)
	end
end
return #expired
`)

// RedisStore mirrors presence into a per-document sorted set whose scores are
// expiry times, backed by a JSON detail record per member. It lets several
// server instances share one presence view.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func roomKey(documentID string) string {
	return roomKeyPrefix + documentID
}

func memberDetailKey(documentID string) string {
	return memberKeyPrefix + documentID + ":"
}

// Upsert writes the participant's expiry into the room set and its snapshot
// into the detail record.
func (s *RedisStore) Upsert(ctx context.Context, documentID string, participant Participant, expiresAt time.Time) error {
	member := memberID(participant.UserID, participant.SessionID)
	encoded, err := json.Marshal(participant)
	if err != nil {
		return err
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, roomKey(documentID), redis.Z{Score: float64(expiresAt.Unix()), Member: member})
	pipe.Set(ctx, memberDetailKey(documentID)+member, encoded, ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// Remove drops one user/session pair from the room.
func (s *RedisStore) Remove(ctx context.Context, documentID, userID, sessionID string) error {
	member := memberID(userID, sessionID)
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, roomKey(documentID), member)
	pipe.Del(ctx, memberDetailKey(documentID)+member)
	_, err := pipe.Exec(ctx)
	return err
}

// ActiveMembers sweeps expired members, then returns the snapshots of those
// still alive.
func (s *RedisStore) ActiveMembers(ctx context.Context, documentID string) ([]Participant, error) {
	now := time.Now().Unix()
	keys := []string{roomKey(documentID), memberDetailKey(documentID)}
	if _, err := expiredMembersScript.Run(ctx, s.client, keys, now).Int(); err != nil && err != redis.Nil {
		return nil, err
	}

	members, err := s.client.ZRangeByScore(ctx, roomKey(documentID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	detailKeys := make([]string, len(members))
	for i, member := range members {
		detailKeys[i] = memberDetailKey(documentID) + member
	}
	records, err := s.client.MGet(ctx, detailKeys...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	participants := make([]Participant, 0, len(records))
	for _, record := range records {
		raw, ok := record.(string)
		if !ok {
			continue
		}
		var participant Participant
		if err := json.Unmarshal([]byte(raw), &participant); err != nil {
			continue
		}
		participants = append(participants, participant)
	}
	return participants, nil
}
