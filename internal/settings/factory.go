package settings

import (
	"context"

	"github.com/sirupsen/logrus"

	"gardenlink/internal/config"
	"gardenlink/internal/constants"
)

// NewStore picks Redis when REDIS_HOST is set and falls back to the file
// backed memory store when Redis is unreachable.
func NewStore(ctx context.Context, cfg *config.Config, log *logrus.Entry) (Store, error) {
	if cfg.RedisHost != "" {
		pingCtx, cancel := context.WithTimeout(ctx, constants.DefaultConnectTimeout)
		store, err := NewRedisStore(pingCtx, cfg.RedisHost, cfg.RedisPort, cfg.RedisUser, cfg.RedisPassword)
		cancel()
		if err == nil {
			log.WithField("addr", cfg.RedisHost+":"+cfg.RedisPort).Info("Using Redis settings store")
			return store, nil
		}
		log.WithError(err).Warn("Redis connection failed, falling back to file settings store")
	}

	store, err := NewMemoryStore(cfg.SettingsFile)
	if err != nil {
		return nil, err
	}
	log.WithField("file", cfg.SettingsFile).Info("Using file settings store")
	return store, nil
}
