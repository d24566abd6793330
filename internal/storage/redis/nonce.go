package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	goredis "github.com/redis/go-redis/v9"

	xerrors "Monad-Automation/internal/errors"
	"Monad-Automation/internal/transaction"
)

const (
	defaultNoncePrefix = "monad:nonce"
	defaultNonceTTL    = 24 * time.Hour
	defaultNonceLease  = 5 * time.Minute
)

// 三个 key 共用同一个 hash tag，保证在集群中落到同一 slot：
// KEYS[1] 高水位，KEYS[2] 已回退待复用的 nonce，KEYS[3] 在途 nonce（score 为租约到期时间）。

// reserveScript 先清理过期租约；无在途 nonce 时直接对齐链上 pending nonce，
// 否则优先复用最小的已回退 nonce，最后才推进高水位。
var reserveScript = goredis.NewScript(`
local chain = tonumber(ARGV[1])
redis.call('ZREMRANGEBYSCORE', KEYS[3], '-inf', ARGV[2])
local nonce
if redis.call('ZCARD', KEYS[3]) == 0 then
  redis.call('DEL', KEYS[2])
  nonce = chain
  redis.call('SET', KEYS[1], nonce + 1)
else
  redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[1])
  local free = redis.call('ZRANGE', KEYS[2], 0, 0)
  if #free > 0 then
    nonce = tonumber(free[1])
    redis.call('ZREM', KEYS[2], free[1])
  else
    nonce = tonumber(redis.call('GET', KEYS[1]) or '0')
    if chain > nonce then
      nonce = chain
    end
    redis.call('SET', KEYS[1], nonce + 1)
  end
end
redis.call('ZADD', KEYS[3], ARGV[3], tostring(nonce))
for i = 1, 3 do
  redis.call('EXPIRE', KEYS[i], ARGV[4])
end
return nonce
`)

// releaseScript 只处理仍在途的 nonce：若是高水位前一位则回退高水位并吞掉尾部空闲 nonce，
// 否则放入待复用集合。
var releaseScript = goredis.NewScript(`
if redis.call('ZREM', KEYS[3], ARGV[1]) == 0 then
  return 0
end
local nonce = tonumber(ARGV[1])
local next = tonumber(redis.call('GET', KEYS[1]) or '0')
if nonce + 1 ~= next then
  redis.call('ZADD', KEYS[2], nonce, ARGV[1])
  return 1
end
next = nonce
while next > 0 and redis.call('ZSCORE', KEYS[2], tostring(next - 1)) do
  next = next - 1
  redis.call('ZREM', KEYS[2], tostring(next))
end
redis.call('SET', KEYS[1], next, 'KEEPTTL')
return 1
`)

// NonceSource 在 Redis 中按 chain id 与地址保存 nonce 分配状态，多个进程共享同一钱包时使用。
type NonceSource struct {
	client *goredis.Client
	prefix string
	chain  string
	ttl    time.Duration
	lease  time.Duration
	now    func() time.Time
}

var _ transaction.NonceSource = (*NonceSource)(nil)

// NonceOption 定义可选配置。
type NonceOption func(*NonceSource)

// WithKeyPrefix 覆盖默认的 key 前缀。
func WithKeyPrefix(prefix string) NonceOption {
	return func(n *NonceSource) {
		if p := strings.TrimSpace(prefix); p != "" {
			n.prefix = p
		}
	}
}

// WithTTL 设置分配状态的过期时间，过期后回退到链上 pending nonce。
func WithTTL(ttl time.Duration) NonceOption {
	return func(n *NonceSource) {
		if ttl > 0 {
			n.ttl = ttl
		}
	}
}

// WithLease 设置在途 nonce 的租约。进程崩溃未能提交或回退的 nonce 在租约到期后不再阻止对齐链上 nonce。
func WithLease(lease time.Duration) NonceOption {
	return func(n *NonceSource) {
		if lease > 0 {
			n.lease = lease
		}
	}
}

// NewNonceSource 创建基于 Redis 的 nonce 分配器。
func NewNonceSource(client *goredis.Client, chainID int64, opts ...NonceOption) *NonceSource {
	n := &NonceSource{
		client: client,
		prefix: defaultNoncePrefix,
		chain:  strconv.FormatInt(chainID, 10),
		ttl:    defaultNonceTTL,
		lease:  defaultNonceLease,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *NonceSource) keys(account common.Address) []string {
	tag := fmt.Sprintf("{%s:%s:%s}", n.prefix, n.chain, strings.ToLower(account.Hex()))
	return []string{tag + ":next", tag + ":free", tag + ":inflight"}
}

// Reserve 实现 transaction.NonceSource。
func (n *NonceSource) Reserve(ctx context.Context, account common.Address, chainNonce uint64) (uint64, error) {
	ttl := int64(n.ttl / time.Second)
	if ttl <= 0 {
		ttl = 1
	}
	now := n.now()
	nonce, err := reserveScript.Run(ctx, n.client, n.keys(account),
		chainNonce, now.Unix(), now.Add(n.lease).Unix(), ttl).Int64()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "分配 nonce 失败",
			xerrors.WithMetadata("account", account.Hex()))
	}
	return uint64(nonce), nil
}

// Commit 实现 transaction.NonceSource。
func (n *NonceSource) Commit(ctx context.Context, account common.Address, nonce uint64) error {
	inflight := n.keys(account)[2]
	if err := n.client.ZRem(ctx, inflight, strconv.FormatUint(nonce, 10)).Err(); err != nil && !isNil(err) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交 nonce 失败",
			xerrors.WithMetadata("account", account.Hex()))
	}
	return nil
}

// Release 实现 transaction.NonceSource。
func (n *NonceSource) Release(ctx context.Context, account common.Address, nonce uint64) error {
	err := releaseScript.Run(ctx, n.client, n.keys(account), strconv.FormatUint(nonce, 10)).Err()
	if err != nil && !isNil(err) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "回退 nonce 失败",
			xerrors.WithMetadata("account", account.Hex()))
	}
	return nil
}

// Reset 删除地址的分配状态，下次分配将直接使用链上 nonce。
func (n *NonceSource) Reset(ctx context.Context, account common.Address) error {
	if err := n.client.Del(ctx, n.keys(account)...).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清除 nonce 失败")
	}
	return nil
}
