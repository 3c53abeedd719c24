// Package redis provides the Redis connection used for live device shadows.
//
// A shadow is a hash holding the latest accepted position of one device,
// keyed "{prefix}:shadow:{deviceId}" and refreshed with a TTL on every
// write so that silent devices age out on their own.
//
//	client, err := redis.Connect(cfg.Redis)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.WriteShadow(ctx, 42, map[string]any{"latitude": 51.5})
package redis
