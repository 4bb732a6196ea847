package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/sms-dispatch/internal/clock"
	appErrors "github.com/unclebandit/sms-dispatch/internal/errors"
	"github.com/unclebandit/sms-dispatch/internal/gateway"
	"github.com/unclebandit/sms-dispatch/internal/model"
	"github.com/unclebandit/sms-dispatch/internal/queue"
	"github.com/unclebandit/sms-dispatch/internal/repository"
)

const (
	DefaultBatchSize   = 100
	DefaultConcurrency = 8
	// DefaultClaimTimeout bounds how long a claimed recipient may stay
	// unresolved before a later run gives up on it.
	DefaultClaimTimeout = 30 * time.Minute
	// DefaultAutoRetryMax caps the automatic retry passes per recipient.
	DefaultAutoRetryMax = 3
)

// interruptedReason marks recipients whose send outcome was never recorded.
const interruptedReason = "send interrupted before the outcome was recorded"

// CreditChecker is satisfied by *CreditGuard.
type CreditChecker interface {
	CheckCanSend(ctx context.Context, role model.Role) (bool, string)
}

// DispatchEngine runs the campaign state machine. It keeps no per-campaign
// state between calls; everything lives in the repositories.
type DispatchEngine struct {
	Campaigns  repository.CampaignRepositoryInterface
	Recipients repository.RecipientRepositoryInterface
	Resolver   *RecipientResolver
	Renderer   MessageRenderer
	Gateways   GatewayResolver
	Credit     CreditChecker
	Blacklist  *BlacklistRegistry
	Clock      clock.Clock
	Log        zerolog.Logger

	// Queue receives send jobs from StartSend, StartRetry and ProcessDue.
	// Without one the batch loop runs on a background goroutine.
	Queue     queue.Queue
	SendTopic string

	BatchSize   int
	Concurrency int
	// MinSuccessRate is the percentage of sent recipients below which a
	// finished campaign is Failed instead of Completed. Zero means any
	// success completes.
	MinSuccessRate float64
	// BlacklistOnBounce adds numbers the carrier reports as invalid.
	BlacklistOnBounce bool
	// ClaimTimeout is how old a sending claim must be before RunPending
	// fails it instead of waiting for its owner.
	ClaimTimeout time.Duration
}

type PrepareResult struct {
	CampaignID int                 `json:"campaign_id"`
	Created    int                 `json:"created"`
	Report     ImportReport        `json:"report"`
	Stats      model.CampaignStats `json:"stats"`
}

func (e *DispatchEngine) now() time.Time {
	if e.Clock == nil {
		return time.Now()
	}
	return e.Clock.Now()
}

func (e *DispatchEngine) batchSize() int {
	if e.BatchSize < 1 {
		return DefaultBatchSize
	}
	return e.BatchSize
}

func (e *DispatchEngine) concurrency() int {
	if e.Concurrency < 1 {
		return DefaultConcurrency
	}
	return e.Concurrency
}

func (e *DispatchEngine) claimTimeout() time.Duration {
	if e.ClaimTimeout <= 0 {
		return DefaultClaimTimeout
	}
	return e.ClaimTimeout
}

func (e *DispatchEngine) logFor(campaignID int) zerolog.Logger {
	return e.Log.With().Int("campaign_id", campaignID).Logger()
}

// PrepareRecipients resolves the campaign target and persists the
// candidates. Phones already on the campaign are skipped and counted as
// duplicates. The campaign status is not changed.
func (e *DispatchEngine) PrepareRecipients(ctx context.Context, caller model.Caller, campaignID int) (*PrepareResult, error) {
	c, err := e.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Status != model.CampaignDraft && c.Status != model.CampaignScheduled {
		return nil, fmt.Errorf("%w: cannot prepare recipients of a %s campaign", appErrors.ErrInvalidTransition, c.Status)
	}

	res, err := e.Resolver.Resolve(ctx, caller, c.Target)
	if err != nil {
		return nil, err
	}

	out := &PrepareResult{CampaignID: c.ID, Report: res.Report}
	for _, cand := range res.Candidates {
		rec := &model.Recipient{
			CampaignID: c.ID,
			Phone:      cand.Phone,
			Name:       cand.Name,
			Email:      cand.Email,
			Department: cand.Department,
			Category:   cand.Category,
			Status:     model.RecipientPending,
		}
		created, err := e.Recipients.CreateIfAbsent(ctx, rec)
		if err != nil {
			return nil, fmt.Errorf("persist recipient %s: %w", cand.Phone, err)
		}
		if created {
			out.Created++
		} else {
			out.Report.Duplicates++
		}
	}
	out.Report.Imported = out.Created

	if out.Stats, err = e.checkpoint(ctx, c.ID); err != nil {
		return nil, err
	}
	clog := e.logFor(c.ID)
	clog.Info().Int("created", out.Created).Int("duplicates", out.Report.Duplicates).
		Int("blacklisted", out.Report.Blacklisted).Int("invalid", len(out.Report.Errors)).Msg("recipients prepared")
	return out, nil
}

// checkpoint recomputes the aggregates from the recipients and persists them.
func (e *DispatchEngine) checkpoint(ctx context.Context, campaignID int) (model.CampaignStats, error) {
	stats, err := e.Recipients.Stats(ctx, campaignID)
	if err != nil {
		return stats, err
	}
	return stats, e.Campaigns.SaveStats(ctx, campaignID, stats)
}

// checkSendable verifies every precondition that must hold before any
// gateway call is made.
func (e *DispatchEngine) checkSendable(ctx context.Context, caller model.Caller, c *model.Campaign) error {
	if strings.TrimSpace(c.Message) == "" {
		return appErrors.ErrEmptyMessage
	}
	stats, err := e.Recipients.Stats(ctx, c.ID)
	if err != nil {
		return err
	}
	if stats.Total == 0 {
		return appErrors.ErrNoRecipients
	}
	if _, cfg, err := e.Gateways.Resolve(ctx, c.GatewayID); err != nil {
		return err
	} else if c.GatewayID == nil {
		clog := e.logFor(c.ID)
		clog.Debug().Int("gateway_id", cfg.ID).Msg("using default gateway")
	}
	if e.Credit != nil {
		if ok, reason := e.Credit.CheckCanSend(ctx, caller.Role); !ok {
			return fmt.Errorf("%w: %s", appErrors.ErrInsufficientCredit, reason)
		}
	}
	return nil
}

// BeginSend checks the send preconditions and moves the campaign to
// InProgress. A campaign already InProgress is accepted so an interrupted
// send can be resumed; recipients are claimed before each send so a
// resumed run never repeats one in flight elsewhere.
func (e *DispatchEngine) BeginSend(ctx context.Context, caller model.Caller, campaignID int) (*model.Campaign, error) {
	c, err := e.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case model.CampaignDraft, model.CampaignScheduled, model.CampaignInProgress:
	default:
		return nil, fmt.Errorf("%w: cannot send a %s campaign", appErrors.ErrInvalidTransition, c.Status)
	}
	if err := e.checkSendable(ctx, caller, c); err != nil {
		return nil, err
	}

	if c.Status != model.CampaignInProgress {
		ok, err := e.Campaigns.TransitionStatus(ctx, c.ID, []model.CampaignStatus{c.Status}, model.CampaignInProgress)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: campaign %d changed status concurrently", appErrors.ErrInvalidTransition, c.ID)
		}
		clog := e.logFor(c.ID)
		clog.Info().Str("from", string(c.Status)).Msg("campaign in progress")
		c.Status = model.CampaignInProgress
	}
	return c, nil
}

// Send runs a whole campaign synchronously.
func (e *DispatchEngine) Send(ctx context.Context, caller model.Caller, campaignID int) (model.CampaignStats, error) {
	if _, err := e.BeginSend(ctx, caller, campaignID); err != nil {
		return model.CampaignStats{}, err
	}
	return e.RunPending(ctx, campaignID)
}

// StartSend is BeginSend followed by handing the batch loop to a worker.
func (e *DispatchEngine) StartSend(ctx context.Context, caller model.Caller, campaignID int) (*model.Campaign, error) {
	c, err := e.BeginSend(ctx, caller, campaignID)
	if err != nil {
		return nil, err
	}
	return c, e.dispatch(ctx, c.ID, queue.SendInitial)
}

func (e *DispatchEngine) dispatch(ctx context.Context, campaignID int, kind queue.SendKind) error {
	job := queue.SendJob{CampaignID: campaignID, Kind: kind, CorrelationID: uuid.NewString(), EnqueuedAt: e.now()}
	log := e.logFor(campaignID).With().Str("correlation_id", job.CorrelationID).Logger()

	if e.Queue != nil {
		topic := e.SendTopic
		if topic == "" {
			topic = queue.TopicCampaignSends
		}
		if err := e.Queue.Publish(topic, job); err != nil {
			return fmt.Errorf("enqueue send job: %w", err)
		}
		log.Info().Str("kind", string(kind)).Msg("send job queued")
		return nil
	}

	go func() {
		if _, err := e.RunPending(context.WithoutCancel(ctx), campaignID); err != nil {
			log.Error().Err(err).Msg("background send failed")
		}
	}()
	return nil
}

// RunPending claims and sends every pending recipient of an InProgress
// campaign in batches, then decides the final status. Concurrent runs
// split the recipients between them and only the last to finish
// finalizes. Cancellation is honoured between batches; recipients not
// yet claimed stay Pending.
func (e *DispatchEngine) RunPending(ctx context.Context, campaignID int) (model.CampaignStats, error) {
	log := e.logFor(campaignID)
	c, err := e.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return model.CampaignStats{}, err
	}
	if c.Status != model.CampaignInProgress {
		return c.Stats, fmt.Errorf("%w: campaign is %s, not in progress", appErrors.ErrInvalidTransition, c.Status)
	}

	client, cfg, err := e.Gateways.Resolve(ctx, c.GatewayID)
	if err != nil {
		log.Error().Err(err).Msg("no usable gateway, campaign left in progress")
		return c.Stats, err
	}
	log = log.With().Int("gateway_id", cfg.ID).Logger()

	// Claims this old belong to a run that died mid-batch. Whether the
	// gateway accepted them is unknown, so they fail rather than resend.
	stale, err := e.Recipients.FailStale(ctx, c.ID, e.now().Add(-e.claimTimeout()), interruptedReason)
	if err != nil {
		return c.Stats, err
	}
	if stale > 0 {
		log.Warn().Int("recipients", stale).Msg("failed recipients left sending by an interrupted run")
	}

	var authFailed atomic.Bool
	batchNo := 0
	var stats model.CampaignStats
	for {
		batch, err := e.Recipients.ClaimPending(ctx, c.ID, e.batchSize())
		if err != nil {
			return stats, err
		}
		if len(batch) == 0 {
			break
		}
		batchNo++

		if err := e.sendBatch(ctx, c, cfg, client, batch, &authFailed); err != nil {
			return stats, err
		}
		if stats, err = e.checkpoint(ctx, c.ID); err != nil {
			return stats, err
		}
		log.Info().Int("batch", batchNo).Int("size", len(batch)).Int("sent", stats.Sent).
			Int("failed", stats.Failed).Int("pending", stats.Pending).Msg("batch checkpoint")

		current, err := e.Campaigns.GetByID(ctx, c.ID)
		if err != nil {
			return stats, err
		}
		if current.Status == model.CampaignCancelled {
			log.Info().Int("pending", stats.Pending).Msg("campaign cancelled, stopping after batch")
			return stats, nil
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}
	}

	if stats, err = e.checkpoint(ctx, c.ID); err != nil {
		return stats, err
	}
	inFlight, err := e.Recipients.CountSending(ctx, c.ID)
	if err != nil {
		return stats, err
	}
	if inFlight > 0 {
		log.Info().Int("sending", inFlight).Msg("recipients still sending in another run, leaving final status to it")
		return stats, nil
	}
	return stats, e.finalize(ctx, c.ID, stats, log)
}

func (e *DispatchEngine) finalize(ctx context.Context, campaignID int, stats model.CampaignStats, log zerolog.Logger) error {
	final := model.CampaignCompleted
	switch {
	case stats.Sent == 0:
		final = model.CampaignFailed
	case e.MinSuccessRate > 0 && stats.SuccessRate < e.MinSuccessRate:
		final = model.CampaignFailed
	}
	ok, err := e.Campaigns.TransitionStatus(ctx, campaignID, []model.CampaignStatus{model.CampaignInProgress}, final)
	if err != nil {
		return err
	}
	if !ok {
		log.Warn().Str("wanted", string(final)).Msg("campaign left in progress concurrently, final status not applied")
		return nil
	}
	log.Info().Str("status", string(final)).Int("sent", stats.Sent).Int("failed", stats.Failed).
		Str("cost", stats.TotalCost.String()).Float64("success_rate", stats.SuccessRate).Msg("campaign finished")
	return nil
}

// sendBatch fans one batch out to the gateway. Per-recipient failures
// are recorded on the recipient; only storage errors are returned.
func (e *DispatchEngine) sendBatch(ctx context.Context, c *model.Campaign, cfg *model.GatewayConfiguration, client gateway.Client, batch []*model.Recipient, authFailed *atomic.Bool) error {
	var g errgroup.Group
	g.SetLimit(e.concurrency())
	for _, rec := range batch {
		rec := rec
		g.Go(func() error {
			return e.sendOne(ctx, c, cfg, client, rec, authFailed)
		})
	}
	return g.Wait()
}

func (e *DispatchEngine) sendOne(ctx context.Context, c *model.Campaign, cfg *model.GatewayConfiguration, client gateway.Client, rec *model.Recipient, authFailed *atomic.Bool) error {
	log := e.Log.With().Int("campaign_id", c.ID).Int("recipient_id", rec.ID).Logger()

	// A credential failure makes every further call pointless.
	if authFailed.Load() {
		return e.Recipients.MarkFailed(ctx, rec.ID, authFailureReason(cfg), 0)
	}

	body := e.Renderer.Render(c.Message, c.Personalized, rec)
	res, err := client.Send(ctx, rec.Phone, body)
	retries := 0
	if res.Attempts > 1 {
		retries = res.Attempts - 1
	}
	if err != nil {
		reason := err.Error()
		if gateway.KindOf(err) == gateway.KindAuthFailure {
			if !authFailed.Swap(true) {
				log.Error().Err(err).Int("gateway_id", cfg.ID).Str("gateway", cfg.Name).
					Msg("SMS gateway rejected credentials: check the API key and username of this gateway configuration")
			}
			reason = authFailureReason(cfg)
		} else {
			log.Warn().Err(err).Str("kind", string(gateway.KindOf(err))).Int("attempts", res.Attempts).Msg("recipient send failed")
		}
		return e.Recipients.MarkFailed(ctx, rec.ID, reason, retries)
	}

	return e.Recipients.MarkSent(ctx, rec.ID, model.SendOutcome{
		SentAt:            e.now(),
		Cost:              res.Cost,
		ProviderMessageID: res.ProviderMessageID,
		Message:           body,
		Retries:           retries,
	})
}

func authFailureReason(cfg *model.GatewayConfiguration) string {
	return fmt.Sprintf("gateway authentication failed for configuration %q (id %d)", cfg.Name, cfg.ID)
}

// Schedule sets a future send time. A Scheduled campaign may be rescheduled.
func (e *DispatchEngine) Schedule(ctx context.Context, caller model.Caller, campaignID int, at time.Time) (*model.Campaign, error) {
	c, err := e.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Status != model.CampaignDraft && c.Status != model.CampaignScheduled {
		return nil, fmt.Errorf("%w: cannot schedule a %s campaign", appErrors.ErrInvalidTransition, c.Status)
	}
	if !at.After(e.now()) {
		return nil, appErrors.ErrScheduleInPast
	}
	if strings.TrimSpace(c.Message) == "" {
		return nil, appErrors.ErrEmptyMessage
	}
	stats, err := e.Recipients.Stats(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if stats.Total == 0 {
		return nil, appErrors.ErrNoRecipients
	}
	if _, _, err := e.Gateways.Resolve(ctx, c.GatewayID); err != nil {
		return nil, err
	}

	c.ScheduledAt = &at
	if err := e.Campaigns.Update(ctx, c); err != nil {
		return nil, err
	}
	if c.Status == model.CampaignDraft {
		ok, err := e.Campaigns.TransitionStatus(ctx, c.ID, []model.CampaignStatus{model.CampaignDraft}, model.CampaignScheduled)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: campaign %d changed status concurrently", appErrors.ErrInvalidTransition, c.ID)
		}
		c.Status = model.CampaignScheduled
	}
	clog := e.logFor(c.ID)
	clog.Info().Time("scheduled_at", at).Msg("campaign scheduled")
	return c, nil
}

// Cancel stops a non-terminal campaign. An in-flight batch finishes first.
func (e *DispatchEngine) Cancel(ctx context.Context, campaignID int) (*model.Campaign, error) {
	c, err := e.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: campaign is already %s", appErrors.ErrInvalidTransition, c.Status)
	}
	ok, err := e.Campaigns.TransitionStatus(ctx, c.ID,
		[]model.CampaignStatus{model.CampaignDraft, model.CampaignScheduled, model.CampaignInProgress}, model.CampaignCancelled)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: campaign %d finished before it could be cancelled", appErrors.ErrInvalidTransition, c.ID)
	}
	clog := e.logFor(c.ID)
	clog.Info().Str("from", string(c.Status)).Msg("campaign cancelled")
	c.Status = model.CampaignCancelled
	return c, nil
}

// BeginRetry resets failed recipients to Pending and moves a finished
// campaign back to InProgress.
func (e *DispatchEngine) BeginRetry(ctx context.Context, caller model.Caller, campaignID int) (*model.Campaign, error) {
	return e.beginRetry(ctx, caller, campaignID, 0)
}

// beginRetry resets only recipients retried fewer than maxRetries times
// when maxRetries is positive.
func (e *DispatchEngine) beginRetry(ctx context.Context, caller model.Caller, campaignID, maxRetries int) (*model.Campaign, error) {
	c, err := e.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !c.Status.CanRetry() {
		return nil, fmt.Errorf("%w: cannot retry a %s campaign", appErrors.ErrInvalidTransition, c.Status)
	}
	stats, err := e.Recipients.Stats(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if stats.Failed == 0 {
		return nil, appErrors.ErrNoFailedRecipients
	}
	if err := e.checkSendable(ctx, caller, c); err != nil {
		return nil, err
	}

	ok, err := e.Campaigns.TransitionStatus(ctx, c.ID, []model.CampaignStatus{c.Status}, model.CampaignInProgress)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: campaign %d changed status concurrently", appErrors.ErrInvalidTransition, c.ID)
	}
	clog := e.logFor(c.ID)
	n, err := e.Recipients.ResetFailed(ctx, c.ID, maxRetries)
	if err != nil {
		return nil, err
	}
	if stats, err = e.checkpoint(ctx, c.ID); err != nil {
		return nil, err
	}
	if n == 0 {
		// Every failed recipient is out of retries; settle the campaign again.
		if err := e.finalize(ctx, c.ID, stats, clog); err != nil {
			return nil, err
		}
		return nil, appErrors.ErrNoFailedRecipients
	}
	clog.Info().Int("reset", n).Str("from", string(c.Status)).Msg("retrying failed recipients")
	c.Status = model.CampaignInProgress
	return c, nil
}

// RetryFailed re-sends every failed recipient synchronously.
func (e *DispatchEngine) RetryFailed(ctx context.Context, caller model.Caller, campaignID int) (model.CampaignStats, error) {
	if _, err := e.BeginRetry(ctx, caller, campaignID); err != nil {
		return model.CampaignStats{}, err
	}
	return e.RunPending(ctx, campaignID)
}

func (e *DispatchEngine) StartRetry(ctx context.Context, caller model.Caller, campaignID int) (*model.Campaign, error) {
	c, err := e.BeginRetry(ctx, caller, campaignID)
	if err != nil {
		return nil, err
	}
	return c, e.dispatch(ctx, c.ID, queue.SendRetry)
}

// AutoRetry starts a retry pass on every Completed campaign holding
// failed recipients retried fewer than maxRetries times, on behalf of the
// role that created it. It returns how many campaigns were restarted.
func (e *DispatchEngine) AutoRetry(ctx context.Context, maxRetries int) (int, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultAutoRetryMax
	}
	campaigns, err := e.Campaigns.ListRetryable(ctx, maxRetries)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, c := range campaigns {
		log := e.logFor(c.ID)
		caller := model.Caller{UserID: c.AdministratorID, Role: c.OwnerRole}
		if _, err := e.beginRetry(ctx, caller, c.ID, maxRetries); err != nil {
			log.Warn().Err(err).Msg("automatic retry could not start")
			continue
		}
		if err := e.dispatch(ctx, c.ID, queue.SendRetry); err != nil {
			log.Error().Err(err).Msg("automatic retry could not be queued")
			continue
		}
		started++
	}
	if len(campaigns) > 0 {
		e.Log.Info().Int("eligible", len(campaigns)).Int("started", started).Int("max_retries", maxRetries).Msg("automatic retry pass")
	}
	return started, nil
}

// ProcessDue starts every Scheduled campaign whose time has passed, on
// behalf of the role that created it. It returns how many were started.
func (e *DispatchEngine) ProcessDue(ctx context.Context, now time.Time) (int, error) {
	due, err := e.Campaigns.ListDue(ctx, now)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, c := range due {
		log := e.logFor(c.ID)
		if _, err := e.StartSend(ctx, model.Caller{UserID: c.AdministratorID, Role: c.OwnerRole}, c.ID); err != nil {
			log.Error().Err(err).Msg("scheduled campaign could not start")
			continue
		}
		started++
	}
	if len(due) > 0 {
		e.Log.Info().Int("due", len(due)).Int("started", started).Msg("processed due campaigns")
	}
	return started, nil
}

// deliveryStatuses maps provider callback vocabulary onto recipient states.
var deliveryStatuses = map[string]model.RecipientStatus{
	"success":   model.RecipientSent,
	"sent":      model.RecipientSent,
	"submitted": model.RecipientSent,
	"buffered":  model.RecipientSent,
	"delivered": model.RecipientDelivered,
	"failed":    model.RecipientFailed,
	"rejected":  model.RecipientFailed,
}

// bounceReasons are failure reasons that mean the number itself is bad.
var bounceReasons = map[string]bool{
	"invalidphonenumber":    true,
	"userisinactive":        true,
	"unsupportednumbertype": true,
	"absentsubscriber":      true,
}

type DeliveryResult struct {
	Recipient *model.Recipient      `json:"recipient,omitempty"`
	Status    model.RecipientStatus `json:"status,omitempty"`
	Applied   bool                  `json:"applied"`
}

// HandleDeliveryReport applies a gateway delivery callback to the
// recipient holding providerID. Unknown statuses and transitions the
// state machine does not allow are ignored.
func (e *DispatchEngine) HandleDeliveryReport(ctx context.Context, providerID, status, reason string) (*DeliveryResult, error) {
	log := e.Log.With().Str("provider_message_id", providerID).Str("status", status).Logger()
	if providerID == "" {
		return nil, appErrors.NewRecipientNotFound("")
	}
	mapped, ok := deliveryStatuses[strings.ToLower(strings.TrimSpace(status))]
	if !ok {
		log.Warn().Msg("unknown delivery status, ignoring")
		return &DeliveryResult{}, nil
	}

	rec, err := e.Recipients.GetByProviderMessageID(ctx, providerID)
	if err != nil {
		return nil, err
	}
	applied, err := e.Recipients.UpdateDeliveryStatus(ctx, rec.ID, mapped, reason, e.now())
	if err != nil {
		return nil, err
	}
	result := &DeliveryResult{Status: mapped, Applied: applied}
	if !applied {
		log.Debug().Str("current", string(rec.Status)).Msg("delivery report does not advance recipient, ignoring")
		result.Recipient = rec
		return result, nil
	}
	if _, err := e.checkpoint(ctx, rec.CampaignID); err != nil {
		return nil, err
	}

	if mapped == model.RecipientFailed && e.BlacklistOnBounce && e.Blacklist != nil && bounceReasons[strings.ToLower(reason)] {
		if _, err := e.Blacklist.Add(ctx, rec.Phone, model.ReasonBounced, "delivery report: "+reason); err != nil && !errors.Is(err, appErrors.ErrAlreadyBlacklisted) {
			log.Warn().Err(err).Msg("could not blacklist bounced number")
		}
	}

	if result.Recipient, err = e.Recipients.GetByID(ctx, rec.ID); err != nil {
		return nil, err
	}
	return result, nil
}

type Preview struct {
	RecipientID int                 `json:"recipient_id,omitempty"`
	Phone       string              `json:"phone,omitempty"`
	Message     string              `json:"message"`
	Segments    gateway.SegmentInfo `json:"segments"`
}

// Preview renders the message for one recipient of the campaign, or
// for its first recipient when recipientID is 0. override replaces the
// stored template for this preview only.
func (e *DispatchEngine) Preview(ctx context.Context, campaignID, recipientID int, override *string) (*Preview, error) {
	c, err := e.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	template := c.Message
	if override != nil && strings.TrimSpace(*override) != "" {
		template = *override
	}
	if strings.TrimSpace(template) == "" {
		return nil, appErrors.ErrEmptyMessage
	}

	var rec *model.Recipient
	if recipientID != 0 {
		if rec, err = e.Recipients.GetByID(ctx, recipientID); err != nil {
			return nil, err
		}
		if rec.CampaignID != c.ID {
			return nil, appErrors.NewRecipientNotFound(fmt.Sprintf("%d in campaign %d", recipientID, c.ID))
		}
	} else {
		first, _, err := e.Recipients.ListByCampaign(ctx, c.ID, "", 0, 1)
		if err != nil {
			return nil, err
		}
		if len(first) > 0 {
			rec = first[0]
		}
	}

	out := &Preview{Message: e.Renderer.Render(template, c.Personalized, rec)}
	if rec != nil {
		out.RecipientID, out.Phone = rec.ID, rec.Phone
	}
	out.Segments = e.Renderer.Segments(out.Message)
	return out, nil
}

// Stats recomputes the aggregates from the recipients.
func (e *DispatchEngine) Stats(ctx context.Context, campaignID int) (model.CampaignStats, error) {
	if _, err := e.Campaigns.GetByID(ctx, campaignID); err != nil {
		return model.CampaignStats{}, err
	}
	return e.Recipients.Stats(ctx, campaignID)
}

func (e *DispatchEngine) ListRecipients(ctx context.Context, campaignID int, status string, page, pageSize int) ([]*model.Recipient, map[string]int, error) {
	if _, err := e.Campaigns.GetByID(ctx, campaignID); err != nil {
		return nil, nil, err
	}
	page, pageSize, offset := normalizePage(page, pageSize)
	recipients, total, err := e.Recipients.ListByCampaign(ctx, campaignID, status, offset, pageSize)
	if err != nil {
		return nil, nil, err
	}
	return recipients, pagination(page, pageSize, total), nil
}
