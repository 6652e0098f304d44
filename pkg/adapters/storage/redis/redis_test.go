package redis

import (
	"testing"

	"github.com/aescanero/agentflow/pkg/adapters/storage/storagetest"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	storagetest.Run(t, NewStore(client, zaptest.NewLogger(t)))
}
