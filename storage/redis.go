package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"

	"github.com/songzhibin97/process-engine/types"
)

const (
	definitionPrefix = "definition:"
	instancePrefix   = "instance:"
	taskPrefix       = "task:"
	queueItemPrefix  = "queue:item:"

	queuePendingKey  = "queue:pending"
	queueRunningKey  = "queue:running"
	queueFinishedKey = "queue:finished"

	claimCandidates = 16
	claimRounds     = 3
	claimRetryDelay = 5 * time.Millisecond
)

func definitionKey(id uint64) string { return definitionPrefix + strconv.FormatUint(id, 10) }
func definitionVersionKey(key string, v int) string { return fmt.Sprintf("%sversion:%s:%d", definitionPrefix, key, v) }
func definitionLatestKey(key string) string { return definitionPrefix + "latest:" + key }
func instanceKey(id uint64) string { return instancePrefix + strconv.FormatUint(id, 10) }
func instanceTasksKey(id uint64) string { return instanceKey(id) + ":tasks" }
func instanceContextKey(id uint64) string { return instanceKey(id) + ":context" }
func instanceHistoryKey(id uint64) string { return instanceKey(id) + ":history" }
func taskKey(id uint64) string { return taskPrefix + strconv.FormatUint(id, 10) }
func openTaskKey(inst uint64, node string) string { return fmt.Sprintf("%sopen:%d:%s", taskPrefix, inst, node) }
func queueItemKey(id uint64) string { return queueItemPrefix + strconv.FormatUint(id, 10) }
func pendingAdvanceKey(inst uint64) string { return fmt.Sprintf("queue:dedup:%s:%d", types.KindAdvanceInstance, inst) }
func advancingKey(inst uint64) string { return fmt.Sprintf("queue:advancing:%d", inst) }

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Multi-key writes use WATCH/MULTI; a concurrent change to a watched key aborts with ErrConflict.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisStorage{client: client}, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getJSON retrieves and unmarshals the value stored at key.
func getJSON[T any](ctx context.Context, client getter, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, errors.Wrapf(err, "failed to get %s from Redis", key)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, errors.Wrapf(err, "failed to unmarshal %s", key)
		}
		return result, nil
	})
}

// getID reads a key holding a numeric id; a missing key yields 0.
func getID(ctx context.Context, client getter, key string) (uint64, error) {
	v, err := client.Get(ctx, key).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to get %s from Redis", key)
	}
	return v, nil
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("storage: marshal %T: %v", v, err))
	}
	return data
}

func millis(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func txConflict(err error) error {
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: redis transaction aborted", ErrConflict)
	}
	return err
}

// SaveDefinition saves a definition to Redis.
func (s *RedisStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	return withContextError(ctx, func() error {
		idKey, versionKey, latestKey := definitionKey(def.ID), definitionVersionKey(def.Key, def.Version), definitionLatestKey(def.Key)
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, idKey, versionKey).Result()
			if err != nil {
				return errors.Wrap(err, "failed to check definition")
			}
			if n > 0 {
				return fmt.Errorf("%w: key=%s version=%d", ErrDefinitionExists, def.Key, def.Version)
			}
			latest, err := getID(ctx, tx, latestKey)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, idKey, mustJSON(def), 0)
				pipe.Set(ctx, versionKey, def.ID, 0)
				if uint64(def.Version) > latest {
					pipe.Set(ctx, latestKey, def.Version, 0)
				}
				return nil
			})
			return err
		}, idKey, versionKey, latestKey)
		return txConflict(err)
	})
}

// GetDefinition retrieves a definition from Redis.
func (s *RedisStorage) GetDefinition(ctx context.Context, id uint64) (types.Definition, error) {
	return getJSON[types.Definition](ctx, s.client, definitionKey(id), ErrDefinitionNotFound)
}

// LatestDefinitionVersion returns the highest stored version for key.
func (s *RedisStorage) LatestDefinitionVersion(ctx context.Context, key string) (int, error) {
	return withContext(ctx, func() (int, error) {
		v, err := getID(ctx, s.client, definitionLatestKey(key))
		return int(v), err
	})
}

// GetInstance retrieves an instance from Redis.
func (s *RedisStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	return getJSON[types.Instance](ctx, s.client, instanceKey(id), ErrInstanceNotFound)
}

// GetTask retrieves a task from Redis.
func (s *RedisStorage) GetTask(ctx context.Context, id uint64) (types.Task, error) {
	return getJSON[types.Task](ctx, s.client, taskKey(id), ErrTaskNotFound)
}

// ListTasks returns the tasks of an instance ordered by id.
func (s *RedisStorage) ListTasks(ctx context.Context, instanceID uint64) ([]types.Task, error) {
	return withContext(ctx, func() ([]types.Task, error) {
		ids, err := s.client.LRange(ctx, instanceTasksKey(instanceID), 0, -1).Result()
		if err != nil {
			return nil, errors.Wrap(err, "failed to list tasks")
		}
		out := make([]types.Task, 0, len(ids))
		if len(ids) == 0 {
			return out, nil
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = taskPrefix + id
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load tasks")
		}
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			var t types.Task
			if err := json.Unmarshal([]byte(raw), &t); err != nil {
				return nil, errors.Wrapf(err, "failed to unmarshal %s", keys[i])
			}
			out = append(out, t)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// LatestContext returns the newest context version of an instance.
func (s *RedisStorage) LatestContext(ctx context.Context, instanceID uint64) (types.ContextVersion, error) {
	return withContext(ctx, func() (types.ContextVersion, error) {
		data, err := s.client.LIndex(ctx, instanceContextKey(instanceID), -1).Bytes()
		if errors.Is(err, redis.Nil) {
			return types.ContextVersion{}, fmt.Errorf("%w: no context for id=%d", ErrInstanceNotFound, instanceID)
		}
		if err != nil {
			return types.ContextVersion{}, errors.Wrap(err, "failed to read context")
		}
		var cv types.ContextVersion
		if err := json.Unmarshal(data, &cv); err != nil {
			return types.ContextVersion{}, errors.Wrap(err, "failed to unmarshal context")
		}
		return cv, nil
	})
}

// ListContextVersions returns all context versions of an instance.
func (s *RedisStorage) ListContextVersions(ctx context.Context, instanceID uint64) ([]types.ContextVersion, error) {
	return listJSON[types.ContextVersion](ctx, s.client, instanceContextKey(instanceID))
}

// ListHistory returns the history of an instance in write order.
func (s *RedisStorage) ListHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEvent, error) {
	return listJSON[types.HistoryEvent](ctx, s.client, instanceHistoryKey(instanceID))
}

func listJSON[T any](ctx context.Context, client *redis.Client, key string) ([]T, error) {
	return withContext(ctx, func() ([]T, error) {
		raw, err := client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", key)
		}
		out := make([]T, 0, len(raw))
		for _, r := range raw {
			var v T
			if err := json.Unmarshal([]byte(r), &v); err != nil {
				return nil, errors.Wrapf(err, "failed to unmarshal %s", key)
			}
			out = append(out, v)
		}
		return out, nil
	})
}

// applyState is what Apply learned while checking guards.
type applyState struct {
	openHolders map[string]uint64
	pending     map[uint64]types.QueueItem
	advancing   uint64
}

func watchKeys(m Mutation) []string {
	var keys []string
	if m.NewInstance != nil {
		keys = append(keys, instanceKey(m.NewInstance.ID))
	}
	if m.Instance != nil {
		keys = append(keys, instanceKey(m.Instance.ID))
	}
	if m.Task != nil {
		t := m.Task.Task
		keys = append(keys, taskKey(t.ID), openTaskKey(t.InstanceID, t.NodeID))
	}
	for _, t := range m.NewTasks {
		keys = append(keys, openTaskKey(t.InstanceID, t.NodeID))
	}
	if m.Context != nil {
		keys = append(keys, instanceContextKey(m.Context.InstanceID))
	}
	if m.Queue != nil {
		keys = append(keys, queueItemKey(m.Queue.Item.ID))
		if m.Queue.Item.Kind == types.KindAdvanceInstance {
			keys = append(keys, pendingAdvanceKey(m.Queue.Item.Payload), advancingKey(m.Queue.Item.Payload))
		}
	}
	for _, item := range m.Enqueue {
		if item.Kind == types.KindAdvanceInstance {
			keys = append(keys, pendingAdvanceKey(item.Payload))
		}
	}
	return keys
}

// Apply commits m inside a MULTI block after checking every guard under WATCH.
func (s *RedisStorage) Apply(ctx context.Context, m Mutation) error {
	return withContextError(ctx, func() error {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			st, err := s.check(ctx, tx, m)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				s.write(ctx, pipe, m, st)
				return nil
			})
			return err
		}, watchKeys(m)...)
		return txConflict(err)
	})
}

func (s *RedisStorage) check(ctx context.Context, tx *redis.Tx, m Mutation) (applyState, error) {
	st := applyState{openHolders: make(map[string]uint64), pending: make(map[uint64]types.QueueItem)}

	if m.NewInstance != nil {
		n, err := tx.Exists(ctx, instanceKey(m.NewInstance.ID)).Result()
		if err != nil {
			return st, errors.Wrap(err, "failed to check instance")
		}
		if n > 0 {
			return st, fmt.Errorf("%w: id=%d", ErrInstanceExists, m.NewInstance.ID)
		}
	}
	if m.Instance != nil {
		stored, err := getJSON[types.Instance](ctx, tx, instanceKey(m.Instance.ID), ErrInstanceNotFound)
		if err != nil {
			return st, err
		}
		if stored.Revision != m.Instance.Revision {
			return st, fmt.Errorf("%w: id=%d have=%d want=%d", ErrRevisionConflict, m.Instance.ID, stored.Revision, m.Instance.Revision)
		}
	}

	closing := ""
	if m.Task != nil {
		stored, err := getJSON[types.Task](ctx, tx, taskKey(m.Task.Task.ID), ErrTaskNotFound)
		if err != nil {
			return st, err
		}
		if !m.Task.allows(stored.Status) {
			return st, fmt.Errorf("%w: id=%d status=%s", ErrTaskStatusConflict, stored.ID, stored.Status)
		}
		key := openTaskKey(stored.InstanceID, stored.NodeID)
		holder, err := getID(ctx, tx, key)
		if err != nil {
			return st, err
		}
		st.openHolders[key] = holder
		if !m.Task.Task.Status.Open() {
			closing = key
		}
	}
	creating := make(map[string]bool)
	for _, t := range m.NewTasks {
		if !t.Status.Open() {
			continue
		}
		key := openTaskKey(t.InstanceID, t.NodeID)
		holder, err := getID(ctx, tx, key)
		if err != nil {
			return st, err
		}
		if (holder != 0 && key != closing) || creating[key] {
			return st, fmt.Errorf("%w: instance=%d node=%s", ErrOpenTaskExists, t.InstanceID, t.NodeID)
		}
		creating[key] = true
	}

	if m.Context != nil {
		n, err := tx.LLen(ctx, instanceContextKey(m.Context.InstanceID)).Result()
		if err != nil {
			return st, errors.Wrap(err, "failed to read context length")
		}
		if int64(m.Context.Version) != n+1 {
			return st, fmt.Errorf("%w: instance=%d version=%d latest=%d", ErrVersionConflict, m.Context.InstanceID, m.Context.Version, n)
		}
	}

	if m.Queue != nil {
		stored, err := getJSON[types.QueueItem](ctx, tx, queueItemKey(m.Queue.Item.ID), ErrQueueItemNotFound)
		if err != nil {
			return st, err
		}
		if stored.Status != types.QueueRunning || stored.ClaimedBy != m.Queue.ClaimedBy {
			return st, fmt.Errorf("%w: id=%d", ErrClaimLost, stored.ID)
		}
		if stored.Kind == types.KindAdvanceInstance {
			if st.advancing, err = getID(ctx, tx, advancingKey(stored.Payload)); err != nil {
				return st, err
			}
			if err := s.loadPending(ctx, tx, stored.Payload, st.pending); err != nil {
				return st, err
			}
		}
	}
	for _, item := range m.Enqueue {
		if item.Kind == types.KindAdvanceInstance {
			if err := s.loadPending(ctx, tx, item.Payload, st.pending); err != nil {
				return st, err
			}
		}
	}
	return st, nil
}

func (s *RedisStorage) loadPending(ctx context.Context, tx *redis.Tx, instanceID uint64, into map[uint64]types.QueueItem) error {
	if _, ok := into[instanceID]; ok {
		return nil
	}
	id, err := getID(ctx, tx, pendingAdvanceKey(instanceID))
	if err != nil || id == 0 {
		return err
	}
	item, err := getJSON[types.QueueItem](ctx, tx, queueItemKey(id), ErrQueueItemNotFound)
	if errors.Is(err, ErrQueueItemNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if item.Status == types.QueuePending {
		into[instanceID] = item
	}
	return nil
}

func (s *RedisStorage) write(ctx context.Context, pipe redis.Pipeliner, m Mutation, st applyState) {
	if m.NewInstance != nil {
		pipe.Set(ctx, instanceKey(m.NewInstance.ID), mustJSON(m.NewInstance), 0)
	}
	if m.Instance != nil {
		inst := *m.Instance
		inst.Revision++
		pipe.Set(ctx, instanceKey(inst.ID), mustJSON(inst), 0)
	}
	if m.Task != nil {
		t := m.Task.Task
		key := openTaskKey(t.InstanceID, t.NodeID)
		pipe.Set(ctx, taskKey(t.ID), mustJSON(t), 0)
		if t.Status.Open() {
			pipe.Set(ctx, key, t.ID, 0)
		} else if st.openHolders[key] == t.ID {
			pipe.Del(ctx, key)
		}
	}
	for _, t := range m.NewTasks {
		pipe.Set(ctx, taskKey(t.ID), mustJSON(t), 0)
		pipe.RPush(ctx, instanceTasksKey(t.InstanceID), t.ID)
		if t.Status.Open() {
			pipe.Set(ctx, openTaskKey(t.InstanceID, t.NodeID), t.ID, 0)
		}
	}
	if m.Context != nil {
		pipe.RPush(ctx, instanceContextKey(m.Context.InstanceID), mustJSON(m.Context))
	}
	for _, e := range m.Events {
		pipe.RPush(ctx, instanceHistoryKey(e.InstanceID), mustJSON(e))
	}
	if m.Queue != nil {
		item := m.Queue.Item
		pipe.ZRem(ctx, queueRunningKey, item.ID)
		if item.Kind == types.KindAdvanceInstance {
			if st.advancing == item.ID {
				pipe.Del(ctx, advancingKey(item.Payload))
			}
			if item.Status == types.QueuePending {
				if other, ok := st.pending[item.Payload]; ok && other.ID != item.ID {
					item.NextAttemptAt = minTime(item.NextAttemptAt, other.NextAttemptAt)
					pipe.Del(ctx, queueItemKey(other.ID))
					pipe.ZRem(ctx, queuePendingKey, other.ID)
				}
				pipe.Set(ctx, pendingAdvanceKey(item.Payload), item.ID, 0)
				st.pending[item.Payload] = item
			}
		}
		s.writeQueueItem(ctx, pipe, item)
	}
	for _, item := range m.Enqueue {
		if item.Kind == types.KindAdvanceInstance {
			if existing, ok := st.pending[item.Payload]; ok {
				existing.NextAttemptAt = minTime(existing.NextAttemptAt, item.NextAttemptAt)
				existing.UpdatedAt = item.UpdatedAt
				st.pending[item.Payload] = existing
				s.writeQueueItem(ctx, pipe, existing)
				continue
			}
			pipe.Set(ctx, pendingAdvanceKey(item.Payload), item.ID, 0)
			st.pending[item.Payload] = item
		}
		s.writeQueueItem(ctx, pipe, item)
	}
}

func (s *RedisStorage) writeQueueItem(ctx context.Context, pipe redis.Pipeliner, item types.QueueItem) {
	pipe.Set(ctx, queueItemKey(item.ID), mustJSON(item), 0)
	switch {
	case item.Status == types.QueuePending:
		pipe.ZAdd(ctx, queuePendingKey, &redis.Z{Score: millis(item.NextAttemptAt), Member: item.ID})
	case item.Status == types.QueueSucceeded, item.Status == types.QueueFailed && item.FailureRecorded:
		pipe.ZAdd(ctx, queueFinishedKey, &redis.Z{Score: millis(item.UpdatedAt), Member: item.ID})
	}
}

// ClaimQueueItem claims the due item with the earliest NextAttemptAt. Candidates lost to a
// concurrent claimer are retried for a bounded number of rounds.
func (s *RedisStorage) ClaimQueueItem(ctx context.Context, workerID string, now time.Time, leaseTTL time.Duration) (types.QueueItem, error) {
	expiry := now.Add(-leaseTTL)
	var claimed types.QueueItem
	b := retry.WithMaxRetries(claimRounds, retry.NewConstant(claimRetryDelay))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		candidates, err := s.claimCandidates(ctx, now, expiry)
		if err != nil {
			return err
		}
		contended := false
		for _, c := range candidates {
			item, err := s.tryClaim(ctx, c, workerID, now, expiry)
			switch {
			case err == nil:
				claimed = item
				return nil
			case errors.Is(err, redis.TxFailedErr):
				contended = true
			case errors.Is(err, errNotClaimable):
			default:
				return err
			}
		}
		if contended {
			return retry.RetryableError(ErrQueueEmpty)
		}
		return ErrQueueEmpty
	})
	if err != nil {
		return types.QueueItem{}, err
	}
	return claimed, nil
}

var errNotClaimable = errors.New("queue item not claimable")

func (s *RedisStorage) claimCandidates(ctx context.Context, now, expiry time.Time) ([]types.QueueItem, error) {
	pending, err := s.client.ZRangeByScore(ctx, queuePendingKey, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10), Count: claimCandidates,
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan pending queue")
	}
	expired, err := s.client.ZRangeByScore(ctx, queueRunningKey, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(expiry.UnixMilli(), 10), Count: claimCandidates,
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan running queue")
	}

	out := make([]types.QueueItem, 0, len(pending)+len(expired))
	for _, id := range append(pending, expired...) {
		item, err := getJSON[types.QueueItem](ctx, s.client, queueItemPrefix+id, ErrQueueItemNotFound)
		if errors.Is(err, ErrQueueItemNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextAttemptAt.Equal(out[j].NextAttemptAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].NextAttemptAt.Before(out[j].NextAttemptAt)
	})
	return out, nil
}

func (s *RedisStorage) tryClaim(ctx context.Context, candidate types.QueueItem, workerID string, now, expiry time.Time) (types.QueueItem, error) {
	keys := []string{queueItemKey(candidate.ID)}
	if candidate.Kind == types.KindAdvanceInstance {
		keys = append(keys, advancingKey(candidate.Payload), pendingAdvanceKey(candidate.Payload))
	}

	var claimed types.QueueItem
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		item, err := getJSON[types.QueueItem](ctx, tx, queueItemKey(candidate.ID), ErrQueueItemNotFound)
		if errors.Is(err, ErrQueueItemNotFound) {
			return errNotClaimable
		}
		if err != nil {
			return err
		}
		due := (item.Status == types.QueuePending && !item.NextAttemptAt.After(now)) ||
			(item.Status == types.QueueRunning && item.ClaimedAt != nil && !item.ClaimedAt.After(expiry))
		if !due {
			return errNotClaimable
		}

		var dedup uint64
		if item.Kind == types.KindAdvanceInstance {
			holder, err := getID(ctx, tx, advancingKey(item.Payload))
			if err != nil {
				return err
			}
			if holder != 0 && holder != item.ID {
				other, err := getJSON[types.QueueItem](ctx, tx, queueItemKey(holder), ErrQueueItemNotFound)
				if err != nil && !errors.Is(err, ErrQueueItemNotFound) {
					return err
				}
				if err == nil && other.Status == types.QueueRunning && other.ClaimedAt != nil && other.ClaimedAt.After(expiry) {
					return errNotClaimable
				}
			}
			if dedup, err = getID(ctx, tx, pendingAdvanceKey(item.Payload)); err != nil {
				return err
			}
		}

		claimed = item
		claimed.Reclaimed = item.Status == types.QueueRunning
		claimed.Status = types.QueueRunning
		claimed.ClaimedBy = workerID
		claimedAt := now
		claimed.ClaimedAt = &claimedAt
		claimed.UpdatedAt = now

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, queueItemKey(claimed.ID), mustJSON(claimed), 0)
			pipe.ZRem(ctx, queuePendingKey, claimed.ID)
			pipe.ZAdd(ctx, queueRunningKey, &redis.Z{Score: millis(now), Member: claimed.ID})
			if claimed.Kind == types.KindAdvanceInstance {
				pipe.Set(ctx, advancingKey(claimed.Payload), claimed.ID, 0)
				if dedup == claimed.ID {
					pipe.Del(ctx, pendingAdvanceKey(claimed.Payload))
				}
			}
			return nil
		})
		return err
	}, keys...)
	if err != nil {
		return types.QueueItem{}, err
	}
	return claimed, nil
}

// GetQueueItem retrieves a queue item from Redis.
func (s *RedisStorage) GetQueueItem(ctx context.Context, id uint64) (types.QueueItem, error) {
	return getJSON[types.QueueItem](ctx, s.client, queueItemKey(id), ErrQueueItemNotFound)
}

// PruneQueue removes finished queue items last updated before cutoff.
func (s *RedisStorage) PruneQueue(ctx context.Context, cutoff time.Time) (int, error) {
	return withContext(ctx, func() (int, error) {
		ids, err := s.client.ZRangeByScore(ctx, queueFinishedKey, &redis.ZRangeBy{
			Min: "-inf", Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
		}).Result()
		if err != nil {
			return 0, errors.Wrap(err, "failed to scan finished queue")
		}
		if len(ids) == 0 {
			return 0, nil
		}

		pipe := s.client.Pipeline()
		members := make([]interface{}, len(ids))
		for i, id := range ids {
			pipe.Del(ctx, queueItemPrefix+id)
			members[i] = id
		}
		pipe.ZRem(ctx, queueFinishedKey, members...)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, errors.Wrap(err, "failed to execute pipeline for deletion")
		}
		return len(ids), nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
