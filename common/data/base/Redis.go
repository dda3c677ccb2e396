package base

import (
	"time"

	"github.com/go-redis/redis"
)

type Redis struct {
	client *redis.Client
	prefix string
}

func (r *Redis) Get(key string) (string, error) {
	val, err := r.client.Get(r.prefix + key).Result()
	if err == redis.Nil {
		return "", ErrCacheMiss
	}
	return val, err
}

func (r *Redis) Set(key, value string, ttl time.Duration) error {
	return r.client.Set(r.prefix+key, value, ttl).Err()
}

func NewRedis(address, password string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       0,
	})
	return &Redis{client: client, prefix: "crashmill:"}, client.Ping().Err()
}
