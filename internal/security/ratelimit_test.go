package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptStub satisfies redis.Scripter with a canned script result.
type scriptStub struct {
	result  []interface{}
	err     error
	lastKey string
}

func (s *scriptStub) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return s.respond(ctx, keys)
}

func (s *scriptStub) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return s.respond(ctx, keys)
}

func (s *scriptStub) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult([]bool{true}, nil)
}

func (s *scriptStub) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	return redis.NewStringResult("", nil)
}

func (s *scriptStub) respond(ctx context.Context, keys []string) *redis.Cmd {
	if len(keys) > 0 {
		s.lastKey = keys[0]
	}
	cmd := redis.NewCmd(ctx)
	if s.err != nil {
		cmd.SetErr(s.err)
	} else {
		cmd.SetVal(s.result)
	}
	return cmd
}

func TestAllowConsumesToken(t *testing.T) {
	stub := &scriptStub{result: []interface{}{int64(1), int64(4)}}
	bucket := &RedisTokenBucket{Redis: stub, Prefix: "rl", Capacity: 5, RefillRate: 1}

	allowed, remaining, err := bucket.Allow(context.Background(), "ip:1.2.3.4")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 4, remaining)
	assert.Equal(t, "rl:ip:1.2.3.4", stub.lastKey)
}

func TestAllowDeniesWhenEmpty(t *testing.T) {
	stub := &scriptStub{result: []interface{}{int64(0), int64(0)}}
	bucket := &RedisTokenBucket{Redis: stub, Prefix: "rl", Capacity: 5, RefillRate: 1}

	allowed, _, err := bucket.Allow(context.Background(), "ip:1.2.3.4")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestMisconfiguredLimiterAllowsAll(t *testing.T) {
	bucket := &RedisTokenBucket{}
	allowed, _, err := bucket.Allow(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRateLimitMiddlewareRejects(t *testing.T) {
	stub := &scriptStub{result: []interface{}{int64(0), int64(0)}}
	bucket := &RedisTokenBucket{Redis: stub, Prefix: "rl", Capacity: 1, RefillRate: 1}

	handler := RateLimitMiddleware(bucket, func(*http.Request) string { return "k" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRateLimitMiddlewareSkipsEmptyKey(t *testing.T) {
	bucket := &RedisTokenBucket{Capacity: 1, RefillRate: 1}
	handler := RateLimitMiddleware(bucket, func(*http.Request) string { return "" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
