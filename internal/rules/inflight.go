package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Guard 保证同一条规则同时最多只有一次评估在进行
type Guard interface {
	// TryAcquire 获取成功返回释放函数；规则正在评估时返回 ok=false
	TryAcquire(ctx context.Context, ruleID string) (release func(), ok bool, err error)
}

// LocalGuard 进程内的评估标记
type LocalGuard struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewLocalGuard 创建进程内守卫
func NewLocalGuard() *LocalGuard {
	return &LocalGuard{inFlight: make(map[string]struct{})}
}

func (g *LocalGuard) TryAcquire(_ context.Context, ruleID string) (func(), bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.inFlight[ruleID]; busy {
		return nil, false, nil
	}
	g.inFlight[ruleID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.inFlight, ruleID)
			g.mu.Unlock()
		})
	}, true, nil
}

// releaseScript 只删除自己持有的锁
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// RedisGuard 多实例部署时基于Redis SETNX的评估锁
type RedisGuard struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisGuard 创建Redis守卫。ttl 应大于单次评估的最长耗时。
func NewRedisGuard(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisGuard {
	if prefix == "" {
		prefix = "logwatch:rule:inflight:"
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisGuard{client: client, prefix: prefix, ttl: ttl}
}

func (g *RedisGuard) TryAcquire(ctx context.Context, ruleID string) (func(), bool, error) {
	key := g.prefix + ruleID
	token := uuid.New().String()

	ok, err := g.client.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("获取Redis评估锁失败: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	return func() {
		// 评估的ctx可能已经取消，释放使用独立的超时
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, g.client, []string{key}, token).Err()
	}, true, nil
}

// chainGuard 依次获取多个守卫，任一失败则释放已获取的
type chainGuard []Guard

// ChainGuards 组合多个守卫
func ChainGuards(guards ...Guard) Guard {
	return chainGuard(guards)
}

func (c chainGuard) TryAcquire(ctx context.Context, ruleID string) (func(), bool, error) {
	releases := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, g := range c {
		release, ok, err := g.TryAcquire(ctx, ruleID)
		if err != nil || !ok {
			releaseAll()
			return nil, false, err
		}
		releases = append(releases, release)
	}
	return releaseAll, true, nil
}
