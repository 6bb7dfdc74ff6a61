package bank

import (
	"github.com/redis/go-redis/v9"

	"github.com/openibank/openibank-sub001/pkg/config"
	"github.com/openibank/openibank-sub001/pkg/policy"
)

// BuildPolicy assembles the gate's policy stage from a profile: the
// sanctions denylist first, then velocity, then CEL rules. Velocity state
// lives in Redis when an address is given so that limits hold across
// nodes. The returned close func releases the Redis client.
func BuildPolicy(p config.PolicyProfile, redisAddr string) (policy.Policy, func() error, error) {
	closer := func() error { return nil }
	var chain policy.Chain

	if len(p.Sanctioned) > 0 {
		chain = append(chain, policy.NewDenylist(p.Sanctioned...))
	}
	if p.Velocity.Rate > 0 {
		var store policy.LimiterStore = policy.NewMemoryLimiterStore()
		if redisAddr != "" {
			client := redis.NewClient(&redis.Options{Addr: redisAddr})
			store = policy.NewRedisLimiterStore(client, "")
			closer = client.Close
		}
		chain = append(chain, &policy.Velocity{Store: store, Limit: p.Velocity})
	}
	if len(p.Rules) > 0 {
		cel, err := policy.NewCELPolicy(p.Rules)
		if err != nil {
			_ = closer()
			return nil, nil, err
		}
		chain = append(chain, cel)
	}
	if len(chain) == 0 {
		return policy.AllowAll, closer, nil
	}
	return chain, closer, nil
}
