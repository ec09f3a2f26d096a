package cache

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/redis/go-redis/v9"

	"github.com/proxylab/hproxy/log"
)

const (
	redisGetTimeout   = 1 * time.Second
	redisPutTimeout   = 2 * time.Second
	redisStatsTimeout = 500 * time.Millisecond
)

// redisCache stores bodies in redis. Recency and eviction are delegated
// to the redis maxmemory policy; the proxy-side contract (owned copies,
// silent failures) is the same as for the memory backend.
type redisCache struct {
	client redis.UniversalClient
}

type redisCachePayload struct {
	Length   int64  `json:"l"`
	Encoding string `json:"enc"`
	Payload  string `json:"payload"`
}

// NewRedisCache wraps the given redis client into a Cache.
func NewRedisCache(client redis.UniversalClient) Cache {
	return &redisCache{
		client: client,
	}
}

func (r *redisCache) Name() string { return "redis" }

func (r *redisCache) Get(key *Key) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisGetTimeout)
	defer cancel()

	fp := key.String()
	val, err := r.client.Get(ctx, fp).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMissing
	}
	if err != nil {
		// Timeouts and transport errors degrade to a miss.
		log.Errorf("failed to get key %q from redis: %s", fp, err)
		return nil, ErrMissing
	}

	var payload redisCachePayload
	if err := json.Unmarshal([]byte(val), &payload); err != nil {
		log.Errorf("corrupted payload for key %q: %s", fp, err)
		return nil, ErrMissing
	}

	raw, err := base64.StdEncoding.DecodeString(payload.Payload)
	if err != nil {
		log.Errorf("corrupted payload encoding for key %q: %s", fp, err)
		return nil, ErrMissing
	}

	if payload.Encoding != "gzip" {
		return raw, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		log.Errorf("corrupted compressed payload for key %q: %s", fp, err)
		return nil, ErrMissing
	}
	body, err := io.ReadAll(zr)
	if err != nil {
		log.Errorf("cannot decompress payload for key %q: %s", fp, err)
		return nil, ErrMissing
	}
	if int64(len(body)) != payload.Length {
		log.Errorf("truncated payload for key %q: got %d bytes instead of %d", fp, len(body), payload.Length)
		return nil, ErrMissing
	}
	return body, nil
}

func (r *redisCache) Put(key *Key, body []byte) {
	if len(body) == 0 {
		return
	}
	fp := key.String()
	if len(fp) == 0 {
		return
	}

	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	if _, err := zw.Write(body); err != nil {
		log.Errorf("cannot compress payload for key %q: %s", fp, err)
		return
	}
	if err := zw.Close(); err != nil {
		log.Errorf("cannot compress payload for key %q: %s", fp, err)
		return
	}

	payload := redisCachePayload{
		Length:   int64(len(body)),
		Encoding: "gzip",
		Payload:  base64.StdEncoding.EncodeToString(compressed.Bytes()),
	}
	marshalled, err := json.Marshal(&payload)
	if err != nil {
		log.Errorf("cannot marshal payload for key %q: %s", fp, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisPutTimeout)
	defer cancel()
	if err := r.client.Set(ctx, fp, string(marshalled), 0).Err(); err != nil {
		log.Errorf("failed to put key %q into redis: %s", fp, err)
	}
}

// Stats reports the number of keys stored in redis. Hit and miss counters
// are not tracked by this backend.
func (r *redisCache) Stats() Stats {
	ctx, cancel := context.WithTimeout(context.Background(), redisStatsTimeout)
	defer cancel()

	nbOfKeys, err := r.client.DBSize(ctx).Result()
	if err != nil {
		log.Errorf("failed to fetch nb of keys in redis: %s", err)
	}
	return Stats{
		Items: uint64(nbOfKeys),
	}
}

func (r *redisCache) Close() error {
	return r.client.Close()
}
