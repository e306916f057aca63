package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/points/pkg/points"
	"github.com/go-redis/redis/v8"
)

const (
	balanceKeyPrefix    = "points:balance:"
	errorOperationCache = "cache"
	errorSubjectBalance = "balance"
	errorCodeDecode     = "decode"
	errorCodeDelete     = "delete"
	errorCodeEncode     = "encode"
	errorCodeGet        = "get"
	errorCodeSet        = "set"
)

// BalanceCache keeps recently read balances in redis. Writers invalidate
// after every committed change; readers fall through to the store on a miss.
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

type balancePayload struct {
	Balance            int64 `json:"balance"`
	LastUpdatedUnixUTC int64 `json:"last_updated_unix_utc"`
}

// NewBalanceCache returns a BalanceCache writing entries with the given TTL.
func NewBalanceCache(client *redis.Client, ttl time.Duration) *BalanceCache {
	return &BalanceCache{client: client, ttl: ttl}
}

func (cache *BalanceCache) Get(ctx context.Context, accountID points.AccountID) (points.AccountBalance, bool, error) {
	raw, err := cache.client.Get(ctx, balanceKey(accountID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return points.AccountBalance{}, false, nil
	}
	if err != nil {
		return points.AccountBalance{}, false, wrapCacheError(errorCodeGet, err)
	}
	var payload balancePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return points.AccountBalance{}, false, wrapCacheError(errorCodeDecode, err)
	}
	return points.AccountBalance{
		AccountID:          accountID,
		Balance:            payload.Balance,
		LastUpdatedUnixUTC: payload.LastUpdatedUnixUTC,
	}, true, nil
}

func (cache *BalanceCache) Set(ctx context.Context, balance points.AccountBalance) error {
	raw, err := json.Marshal(balancePayload{
		Balance:            balance.Balance,
		LastUpdatedUnixUTC: balance.LastUpdatedUnixUTC,
	})
	if err != nil {
		return wrapCacheError(errorCodeEncode, err)
	}
	if err := cache.client.Set(ctx, balanceKey(balance.AccountID), raw, cache.ttl).Err(); err != nil {
		return wrapCacheError(errorCodeSet, err)
	}
	return nil
}

func (cache *BalanceCache) Invalidate(ctx context.Context, accountID points.AccountID) error {
	if err := cache.client.Del(ctx, balanceKey(accountID)).Err(); err != nil {
		return wrapCacheError(errorCodeDelete, err)
	}
	return nil
}

func balanceKey(accountID points.AccountID) string {
	return balanceKeyPrefix + accountID.String()
}

func wrapCacheError(code string, err error) error {
	return points.WrapError(errorOperationCache, errorSubjectBalance, code, err)
}
