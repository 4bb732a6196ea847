package queue

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/sms-dispatch/internal/errors"
	"github.com/unclebandit/sms-dispatch/internal/model"
)

// Dispatcher runs the batch loop for a campaign already moved to InProgress.
type Dispatcher interface {
	RunPending(ctx context.Context, campaignID int) (model.CampaignStats, error)
}

// StartCampaignSendSubscriber wires send jobs on topic to d. Jobs for
// campaigns that are gone or no longer in progress are dropped; storage
// errors are returned so the queue retries.
func StartCampaignSendSubscriber(ctx context.Context, q Queue, topic string, d Dispatcher, log zerolog.Logger) error {
	return q.Subscribe(topic, func(payload any) error {
		var job SendJob
		if err := Decode(payload, &job); err != nil {
			log.Warn().Err(err).Msg("invalid send job payload, dropping")
			return nil
		}

		jobLog := log.With().Int("campaign_id", job.CampaignID).Str("kind", string(job.Kind)).Str("correlation_id", job.CorrelationID).Logger()
		jobLog.Info().Msg("processing send job")

		stats, err := d.RunPending(ctx, job.CampaignID)
		switch {
		case err == nil:
			jobLog.Info().Int("sent", stats.Sent).Int("failed", stats.Failed).Int("pending", stats.Pending).Msg("send job finished")
			return nil
		case appErrors.IsNotFound(err), errors.Is(err, appErrors.ErrInvalidTransition), errors.Is(err, appErrors.ErrNoGatewayConfigured):
			jobLog.Warn().Err(err).Msg("send job dropped")
			return nil
		}
		jobLog.Error().Err(err).Msg("send job failed")
		return err
	})
}
