package base

import (
	"errors"
	"time"
)

// ErrCacheMiss is returned by Get for absent or expired keys.
var ErrCacheMiss = errors.New("cache miss")

type Cache interface {
	Get(key string) (string, error)
	Set(key, value string, ttl time.Duration) error
}
