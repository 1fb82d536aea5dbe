// Package presence mirrors live room presence into Redis so that other services can
// see who is in a workspace without talking to the collaboration server.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jamesrossjr/canvas-core/internal/collab"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix         = "canvas:presence:"
	workspaceIndexKey = keyPrefix + "workspaces"
)

var (
	errMissingClient = errors.New("presence: redis client required")
	errInvalidTTL    = errors.New("presence: ttl must be positive")
)

// removeScript deletes one participant and drops the workspace from the index once
// its hash is empty. Otherwise the hash TTL is refreshed.
var removeScript = redis.NewScript(`
redis.call("HDEL", KEYS[1], ARGV[1])
if redis.call("HLEN", KEYS[1]) == 0 then
	redis.call("DEL", KEYS[1])
	redis.call("SREM", KEYS[2], ARGV[2])
	return 1
end
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 0
`)

// Store reads and writes the presence mirror. Each workspace is a hash keyed by
// connection id with JSON encoded participants; a set indexes the workspaces.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore wraps an existing client.
func NewStore(client *redis.Client, ttl time.Duration) (*Store, error) {
	if client == nil {
		return nil, errMissingClient
	}
	if ttl <= 0 {
		return nil, errInvalidTTL
	}
	return &Store{client: client, ttl: ttl}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, address, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func workspaceKey(workspaceID collab.WorkspaceID) string {
	return keyPrefix + "room:" + workspaceID.String()
}

// Save records the participant and refreshes the workspace TTL.
func (s *Store) Save(ctx context.Context, workspaceID collab.WorkspaceID, participant collab.Participant) error {
	payload, err := json.Marshal(participant)
	if err != nil {
		return fmt.Errorf("marshal participant: %w", err)
	}
	key := workspaceKey(workspaceID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, participant.ID, payload)
	pipe.PExpire(ctx, key, s.ttl)
	pipe.SAdd(ctx, workspaceIndexKey, workspaceID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save participant: %w", err)
	}
	return nil
}

// Remove deletes the participant; the workspace leaves the index with its last participant.
func (s *Store) Remove(ctx context.Context, workspaceID collab.WorkspaceID, connectionID collab.ConnectionID) error {
	keys := []string{workspaceKey(workspaceID), workspaceIndexKey}
	ttl := strconv.FormatInt(s.ttl.Milliseconds(), 10)
	if err := removeScript.Run(ctx, s.client, keys, connectionID.String(), workspaceID.String(), ttl).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("remove participant: %w", err)
	}
	return nil
}

// Snapshot returns the mirrored participants of a workspace ordered by id.
func (s *Store) Snapshot(ctx context.Context, workspaceID collab.WorkspaceID) ([]collab.Participant, error) {
	entries, err := s.client.HGetAll(ctx, workspaceKey(workspaceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read workspace presence: %w", err)
	}
	participants := make([]collab.Participant, 0, len(entries))
	for connectionID, payload := range entries {
		var participant collab.Participant
		if err := json.Unmarshal([]byte(payload), &participant); err != nil {
			return nil, fmt.Errorf("decode participant %s: %w", connectionID, err)
		}
		participants = append(participants, participant)
	}
	sort.Slice(participants, func(i, j int) bool {
		return participants[i].ID < participants[j].ID
	})
	return participants, nil
}

// Workspaces lists mirrored workspaces. Entries whose hash already expired are pruned
// from the index.
func (s *Store) Workspaces(ctx context.Context) ([]collab.WorkspaceID, error) {
	members, err := s.client.SMembers(ctx, workspaceIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read workspace index: %w", err)
	}
	sort.Strings(members)
	workspaces := make([]collab.WorkspaceID, 0, len(members))
	for _, member := range members {
		workspaceID := collab.WorkspaceID(member)
		exists, err := s.client.Exists(ctx, workspaceKey(workspaceID)).Result()
		if err != nil {
			return nil, fmt.Errorf("check workspace %s: %w", member, err)
		}
		if exists == 0 {
			s.client.SRem(ctx, workspaceIndexKey, member)
			continue
		}
		workspaces = append(workspaces, workspaceID)
	}
	return workspaces, nil
}
