package services

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// CleanupWebhookEvents 清理超过保留期的 webhook 去重记录
func (s *Service) CleanupWebhookEvents(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.config.WebhookEventRetention())
	removed, err := s.kv.PurgeBefore(ctx, webhookNamespacePrefix, cutoff)
	if err != nil {
		return 0, err
	}
	log.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("webhook event markers purged")
	return removed, nil
}

// StartScheduler 启动定时清理，调用方负责 Stop
func (s *Service) StartScheduler(ctx context.Context) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(s.config.CleanupSchedule, func() {
		if _, err := s.CleanupWebhookEvents(ctx); err != nil {
			log.Error().Err(err).Msg("webhook event cleanup failed")
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
