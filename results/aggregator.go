package results

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/GlacierEQ/God-Mind/errors"
	"github.com/GlacierEQ/God-Mind/logging"
	"github.com/GlacierEQ/God-Mind/tasks"
	"github.com/GlacierEQ/God-Mind/telemetry"
)

// Requeuer re-enters a retrying task into the dispatch queue once its
// backoff deadline is known. The dispatcher implements it.
type Requeuer interface {
	Requeue(ctx context.Context, taskID string, notBefore time.Time) error
}

// Archiver persists finalized task outcomes for later search.
type Archiver interface {
	Archive(ctx context.Context, task *tasks.Task, result *Result) error
}

// RetryPolicy computes the backoff before a retry attempt.
type RetryPolicy struct {
	// Base is the delay before the first retry. Default: 500ms.
	Base time.Duration

	// Multiplier grows the delay with each further retry. Default: 2.0.
	Multiplier float64

	// Max caps the delay. Default: 30s.
	Max time.Duration

	// Jitter is the fraction of the delay randomized around it, 0 to 1,
	// spreading simultaneous retries apart. Default: 0.2.
	Jitter float64
}

// DefaultRetryPolicy returns the standard backoff schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:       500 * time.Millisecond,
		Multiplier: 2.0,
		Max:        30 * time.Second,
		Jitter:     0.2,
	}
}

// Validate checks the policy parameters.
func (p RetryPolicy) Validate() error {
	if p.Base <= 0 || p.Max < p.Base {
		return ErrInvalidConfig
	}
	if p.Multiplier < 1 {
		return ErrInvalidConfig
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return ErrInvalidConfig
	}
	return nil
}

// Delay returns the backoff before the next attempt when retries
// attempts have already failed: Base for the first retry, multiplied
// for each one after, capped at Max and spread by Jitter.
func (p RetryPolicy) Delay(retries int) time.Duration {
	if retries < 1 {
		retries = 1
	}
	d := float64(p.Base) * math.Pow(p.Multiplier, float64(retries-1))
	if d > float64(p.Max) {
		d = float64(p.Max)
	}
	if p.Jitter > 0 {
		span := d * p.Jitter
		d += span * (rand.Float64() - 0.5)
	}
	return time.Duration(d)
}

// AggregatorConfig configures the result aggregator.
type AggregatorConfig struct {
	// Manager owns the authoritative task records. Required.
	Manager tasks.TaskManager

	// Publisher delivers results to callers. Required.
	Publisher ResultPublisher

	// Queue re-enters retrying tasks into dispatch. Required.
	Queue Requeuer

	// Policy is the retry backoff schedule.
	// Default: DefaultRetryPolicy.
	Policy RetryPolicy

	// Archive receives finalized outcomes. Optional.
	Archive Archiver

	// Logger for retry and finalization events.
	// Defaults to a new logger.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *AggregatorConfig) Validate() error {
	if c.Manager == nil || c.Publisher == nil || c.Queue == nil {
		return ErrInvalidConfig
	}
	return c.Policy.Validate()
}

// Aggregator turns attempt outcomes into task fates. A failed attempt
// with a retryable taxonomy code goes back to the queue behind an
// exponential backoff; exhausted or non-retryable failures, successes
// and cancellations finalize the task and publish its result exactly
// once.
type Aggregator struct {
	config AggregatorConfig
	logger *logging.Logger
}

// NewAggregator creates an aggregator from the configuration.
func NewAggregator(config AggregatorConfig) (*Aggregator, error) {
	if config.Policy == (RetryPolicy{}) {
		config.Policy = DefaultRetryPolicy()
	}
	if config.Logger == nil {
		config.Logger = logging.New()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Aggregator{
		config: config,
		logger: config.Logger.WithComponent("results"),
	}, nil
}

// Report consumes one attempt outcome. Agents and supervisors deliver
// here; everything that follows an attempt — retry scheduling, terminal
// transitions, publication, archiving — happens inside.
//
// Stale reports are dropped: a report for a task already terminal, a
// report from an agent the task no longer belongs to, or a report for
// an attempt other than the current one says nothing about the task's
// present state.
func (a *Aggregator) Report(ctx context.Context, res *tasks.TaskResult) error {
	if res == nil || res.TaskID == "" {
		return ErrInvalidTaskID
	}

	rec, err := a.config.Manager.Get(ctx, res.TaskID)
	if err != nil {
		return err
	}

	if rec.Status.IsTerminal() {
		return nil
	}
	if res.AgentID != "" && rec.AgentID != "" && rec.AgentID != res.AgentID {
		a.logger.Debug("stale report dropped", map[string]interface{}{
			"task":     res.TaskID,
			"reporter": res.AgentID,
			"owner":    rec.AgentID,
		})
		return nil
	}
	if res.Attempt != 0 && res.Attempt != rec.Attempts {
		a.logger.Debug("stale report dropped", map[string]interface{}{
			"task":             res.TaskID,
			"reported_attempt": res.Attempt,
			"current_attempt":  rec.Attempts,
		})
		return nil
	}

	switch res.Status {
	case tasks.ResultSuccess:
		return a.succeed(ctx, rec, res)
	case tasks.ResultCancelled:
		return a.cancel(ctx, rec, res)
	default:
		return a.fail(ctx, rec, res)
	}
}

// Cancelled publishes the terminal result for a task cancelled outside
// an agent attempt. Queued tasks are cancelled with no provider
// contact, so no agent ever reports them; the cancelling caller routes
// through here instead. If the task has not (yet) finalized as
// cancelled — the cooperative path is still in flight — this is a
// no-op and the agent's report settles the race.
func (a *Aggregator) Cancelled(ctx context.Context, taskID string) error {
	rec, err := a.config.Manager.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if rec.Status != tasks.StatusCancelled {
		return nil
	}

	out := baseResult(rec, StatusCancelled)
	out.Error = "task cancelled"
	out.Code = string(errors.ErrCodeTaskCancelled)
	a.finalize(ctx, rec, out)
	return nil
}

func (a *Aggregator) succeed(ctx context.Context, rec *tasks.Task, res *tasks.TaskResult) error {
	if err := a.config.Manager.Complete(ctx, res.TaskID, res.Output); err != nil {
		if stderrors.Is(err, tasks.ErrTaskFinalized) {
			// A cancellation committed first; that outcome stands.
			return nil
		}
		return err
	}

	out := baseResult(rec, StatusSuccess)
	out.AgentID = res.AgentID
	out.Output = res.Output
	out.Metadata = res.Metadata
	a.finalize(ctx, rec, out)
	return nil
}

func (a *Aggregator) cancel(ctx context.Context, rec *tasks.Task, res *tasks.TaskResult) error {
	if err := a.config.Manager.Cancel(ctx, res.TaskID); err != nil {
		if stderrors.Is(err, tasks.ErrTaskFinalized) {
			// The provider call finished first; the race resolved to
			// that outcome.
			return nil
		}
		return err
	}

	out := baseResult(rec, StatusCancelled)
	out.AgentID = res.AgentID
	out.Error = "task cancelled"
	if res.Status == tasks.ResultCancelled && res.Error != "" {
		out.Error = res.Error
	}
	out.Code = string(errors.ErrCodeTaskCancelled)
	a.finalize(ctx, rec, out)
	return nil
}

func (a *Aggregator) fail(ctx context.Context, rec *tasks.Task, res *tasks.TaskResult) error {
	// A requested cancellation beats any retry.
	if rec.CancelRequested {
		return a.cancel(ctx, rec, res)
	}

	// The reporter's own classification wins over the code default: a
	// code like PROTOCOL_ERROR covers both transient and permanent
	// failures, and only the site that built the error knows which.
	retryable := errors.ErrorCode(res.Code).DefaultRetryable()
	if res.Retryable != nil {
		retryable = *res.Retryable
	}
	if res.Code == "" || !retryable {
		if err := a.config.Manager.Fail(ctx, res.TaskID, res.Error, res.Code); err != nil {
			if stderrors.Is(err, tasks.ErrTaskFinalized) {
				return nil
			}
			return err
		}
		out := baseResult(rec, StatusFailed)
		out.AgentID = res.AgentID
		out.Error = res.Error
		out.Code = res.Code
		a.finalize(ctx, rec, out)
		return nil
	}

	delay := a.config.Policy.Delay(rec.Attempts)
	notBefore := time.Now().Add(delay)

	err := a.config.Manager.MarkRetrying(ctx, res.TaskID, res.Error, res.Code, notBefore)
	switch {
	case err == nil:
	case stderrors.Is(err, tasks.ErrMaxAttemptsReached):
		return a.exhausted(ctx, rec, res)
	case stderrors.Is(err, tasks.ErrTaskFinalized):
		return nil
	default:
		return err
	}

	tr := telemetry.GetTracer()
	sctx, span := tr.StartAggregateSpan(ctx, "retry")
	a.publishProgress(sctx, rec, res, notBefore)
	a.logger.RetryScheduled(res.TaskID, rec.Attempts, delay, res.Code)

	rqErr := a.config.Queue.Requeue(sctx, res.TaskID, notBefore)
	tr.EndAggregateSpan(span, telemetry.AggregateSpanOptions{
		TaskID:     res.TaskID,
		Status:     string(tasks.StatusRetrying),
		Code:       res.Code,
		Attempts:   rec.Attempts,
		RetryDelay: delay,
	}, rqErr)
	if rqErr != nil {
		// The queue is gone, most likely shutdown. The task stays
		// retrying in the store; recovery reseeds it on the next start.
		a.logger.Warn("requeue failed", map[string]interface{}{
			"task":  res.TaskID,
			"error": rqErr.Error(),
		})
	}
	return nil
}

// exhausted finalizes a retryable failure that has no attempts left.
func (a *Aggregator) exhausted(ctx context.Context, rec *tasks.Task, res *tasks.TaskResult) error {
	msg := fmt.Sprintf("retries exhausted after %d attempts: %s", rec.Attempts, res.Error)
	code := string(errors.ErrCodeMaxRetriesExceeded)

	if err := a.config.Manager.Fail(ctx, res.TaskID, msg, code); err != nil {
		if stderrors.Is(err, tasks.ErrTaskFinalized) {
			return nil
		}
		return err
	}

	out := baseResult(rec, StatusFailed)
	out.AgentID = res.AgentID
	out.Error = msg
	out.Code = code
	a.finalize(ctx, rec, out)
	return nil
}

// finalize publishes a terminal result and hands it to the archive.
// The task manager transition that preceded it is the once-guard: only
// the report that won the transition reaches here, and the publisher
// rejects any later write over a terminal result.
func (a *Aggregator) finalize(ctx context.Context, rec *tasks.Task, out Result) {
	tr := telemetry.GetTracer()
	ctx, span := tr.StartAggregateSpan(ctx, "finalize")
	var pubErr error
	defer func() {
		tr.EndAggregateSpan(span, telemetry.AggregateSpanOptions{
			TaskID:   out.TaskID,
			Status:   string(out.Status),
			Code:     out.Code,
			Attempts: out.Attempts,
		}, pubErr)
	}()

	if err := a.config.Publisher.Publish(ctx, out.TaskID, out); err != nil {
		if stderrors.Is(err, ErrFinalized) {
			return
		}
		pubErr = err
		a.logger.Error("result publish failed", map[string]interface{}{
			"task":  out.TaskID,
			"error": err.Error(),
		})
		return
	}

	a.logger.TaskFinalized(out.TaskID, string(out.Status), out.Attempts, time.Since(rec.CreatedAt))

	if a.config.Archive != nil {
		if err := a.config.Archive.Archive(ctx, rec, &out); err != nil {
			a.logger.Warn("outcome archive failed", map[string]interface{}{
				"task":  out.TaskID,
				"error": err.Error(),
			})
		}
	}
}

// publishProgress emits a non-terminal update so subscribers see the
// retry schedule while the task is requeued.
func (a *Aggregator) publishProgress(ctx context.Context, rec *tasks.Task, res *tasks.TaskResult, notBefore time.Time) {
	out := baseResult(rec, StatusPending)
	out.AgentID = res.AgentID
	out.Error = res.Error
	out.Code = res.Code
	out.Metadata = map[string]string{
		"retry_at": notBefore.UTC().Format(time.RFC3339Nano),
	}

	if err := a.config.Publisher.Publish(ctx, rec.ID, out); err != nil && !stderrors.Is(err, ErrFinalized) {
		a.logger.Debug("progress publish failed", map[string]interface{}{
			"task":  rec.ID,
			"error": err.Error(),
		})
	}
}

func baseResult(rec *tasks.Task, status ResultStatus) Result {
	return Result{
		TaskID:   rec.ID,
		Status:   status,
		Provider: rec.Provider,
		AgentID:  rec.AgentID,
		Attempts: rec.Attempts,
	}
}
