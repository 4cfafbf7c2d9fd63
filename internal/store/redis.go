package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/todo-1m/taskbridge/internal/contracts"
)

const (
	redisPrefix       = "taskbridge:"
	redisDevicesSet   = redisPrefix + "devices"
	redisDevicePrefix = redisPrefix + "device:"
	redisPendingKey   = redisPrefix + "pending:"
	redisResultPrefix = redisPrefix + "result:"

	// Pending hashes outlive their newest envelope by this much so a sweep
	// can still observe them.
	redisPendingGrace = time.Minute
)

// Redis stores devices as JSON strings, pending commands as one hash per
// user and results as JSON strings.
type Redis struct {
	Client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{Client: client}
}

func (r *Redis) PutDevice(ctx context.Context, device contracts.Device) error {
	data, err := json.Marshal(device)
	if err != nil {
		return err
	}
	_, err = r.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisDevicePrefix+device.UserID, data, 0)
		pipe.SAdd(ctx, redisDevicesSet, device.UserID)
		return nil
	})
	return err
}

func (r *Redis) GetDevice(ctx context.Context, userID string) (contracts.Device, error) {
	data, err := r.Client.Get(ctx, redisDevicePrefix+userID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return contracts.Device{}, ErrNotFound
		}
		return contracts.Device{}, err
	}
	var d contracts.Device
	if err := json.Unmarshal(data, &d); err != nil {
		return contracts.Device{}, err
	}
	return d, nil
}

func (r *Redis) ListDevices(ctx context.Context) ([]contracts.Device, error) {
	ids, err := r.Client.SMembers(ctx, redisDevicesSet).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]contracts.Device, 0, len(ids))
	for _, id := range ids {
		d, err := r.GetDevice(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *Redis) AddPending(ctx context.Context, cmd contracts.PendingCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	key := redisPendingKey + cmd.UserID
	_, err = r.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, cmd.CommandID, data)
		pipe.ExpireAt(ctx, key, cmd.ExpiresAt.Add(redisPendingGrace))
		return nil
	})
	return err
}

// TakePending reads and deletes the user's hash inside MULTI/EXEC.
func (r *Redis) TakePending(ctx context.Context, userID string) ([]contracts.PendingCommand, error) {
	key := redisPendingKey + userID
	var all *redis.MapStringStringCmd
	_, err := r.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		all = pipe.HGetAll(ctx, key)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decodePending(all.Val())
}

func (r *Redis) CountPending(ctx context.Context) (int, error) {
	total := 0
	err := r.scan(ctx, redisPendingKey+"*", func(key string) error {
		n, err := r.Client.HLen(ctx, key).Result()
		total += int(n)
		return err
	})
	return total, err
}

func (r *Redis) PrunePending(ctx context.Context, cutoff time.Time) (int, error) {
	pruned := 0
	err := r.scan(ctx, redisPendingKey+"*", func(key string) error {
		fields, err := r.Client.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		cmds, err := decodePending(fields)
		if err != nil {
			return err
		}
		for _, cmd := range cmds {
			if !cmd.ExpiresAt.Before(cutoff) {
				continue
			}
			n, err := r.Client.HDel(ctx, key, cmd.CommandID).Result()
			if err != nil {
				return err
			}
			pruned += int(n)
		}
		return nil
	})
	return pruned, err
}

func (r *Redis) PutResult(ctx context.Context, result contracts.CommandResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return r.Client.Set(ctx, redisResultPrefix+result.CommandID, data, 0).Err()
}

func (r *Redis) GetResult(ctx context.Context, commandID string) (contracts.CommandResult, error) {
	data, err := r.Client.Get(ctx, redisResultPrefix+commandID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return contracts.CommandResult{}, ErrNotFound
		}
		return contracts.CommandResult{}, err
	}
	var res contracts.CommandResult
	if err := json.Unmarshal(data, &res); err != nil {
		return contracts.CommandResult{}, err
	}
	return res, nil
}

func (r *Redis) CountResults(ctx context.Context) (int, error) {
	total := 0
	err := r.scan(ctx, redisResultPrefix+"*", func(string) error {
		total++
		return nil
	})
	return total, err
}

func (r *Redis) Ping(ctx context.Context) error { return r.Client.Ping(ctx).Err() }
func (r *Redis) Close() error                   { return r.Client.Close() }

func (r *Redis) scan(ctx context.Context, pattern string, fn func(key string) error) error {
	iter := r.Client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			return err
		}
	}
	return iter.Err()
}

func decodePending(fields map[string]string) ([]contracts.PendingCommand, error) {
	out := make([]contracts.PendingCommand, 0, len(fields))
	for _, raw := range fields {
		var cmd contracts.PendingCommand
		if err := json.NewDecoder(strings.NewReader(raw)).Decode(&cmd); err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	sortPending(out)
	return out, nil
}

func sortPending(cmds []contracts.PendingCommand) {
	sort.Slice(cmds, func(i, j int) bool {
		if !cmds[i].IssuedAt.Equal(cmds[j].IssuedAt) {
			return cmds[i].IssuedAt.Before(cmds[j].IssuedAt)
		}
		return cmds[i].CommandID < cmds[j].CommandID
	})
}
