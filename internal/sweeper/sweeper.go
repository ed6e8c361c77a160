package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/havenworks/haven/internal/notify"
	"github.com/havenworks/haven/internal/posts"
	"github.com/havenworks/haven/internal/txutil"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// extensionReason is the audit trail value recorded when recent reply volume
// defers a post's expiry.
const extensionReason = "Active discussion"

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opSweeperNew = "sweeper.new"
	opRunSweep   = "sweeper.run"
)

// Policy bundles the knobs of one sweep run.
type Policy struct {
	// BatchSize bounds how many candidates one scan pulls.
	BatchSize int
	// ReplyWindow bounds how recent a reply must be to count toward the
	// active-discussion override.
	ReplyWindow time.Duration
	// ReplyThreshold is the reply count at which a due post earns an
	// extension instead of expiring.
	ReplyThreshold int
	// Extension is how far past now a deferred post's expiry moves.
	Extension time.Duration
	// RunBudget bounds one RunSweep invocation; a large backlog is left for
	// the next run rather than processed in one unbounded pass.
	RunBudget time.Duration
	// WarningWindow is how far ahead of expiry the author is notified.
	WarningWindow time.Duration
}

// DefaultPolicy returns the production sweep thresholds.
func DefaultPolicy() Policy {
	return Policy{
		BatchSize:      200,
		ReplyWindow:    time.Hour,
		ReplyThreshold: 10,
		Extension:      24 * time.Hour,
		RunBudget:      30 * time.Second,
		WarningWindow:  24 * time.Hour,
	}
}

func (p Policy) validate() error {
	if p.BatchSize < 1 {
		return fmt.Errorf("batch size must be positive")
	}
	if p.ReplyWindow <= 0 {
		return fmt.Errorf("reply window must be positive")
	}
	if p.ReplyThreshold < 1 {
		return fmt.Errorf("reply threshold must be positive")
	}
	if p.Extension <= 0 {
		return fmt.Errorf("extension must be positive")
	}
	if p.RunBudget <= 0 {
		return fmt.Errorf("run budget must be positive")
	}
	return nil
}

// Config describes the dependencies of the sweeper.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	Sink     notify.Sink
	Policy   Policy
}

// Sweeper finalizes or defers the expiry of posts past their expiration
// time. It is the sole writer of is_expired.
type Sweeper struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
	sink   notify.Sink
	policy Policy
}

// New validates the configuration and constructs a Sweeper.
func New(cfg Config) (*Sweeper, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s.missing_database: %w", opSweeperNew, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	sink := cfg.Sink
	if sink == nil {
		sink = notify.NopSink{}
	}
	policy := cfg.Policy
	if policy == (Policy{}) {
		policy = DefaultPolicy()
	}
	if policy.WarningWindow <= 0 {
		policy.WarningWindow = DefaultPolicy().WarningWindow
	}
	if err := policy.validate(); err != nil {
		return nil, fmt.Errorf("%s.invalid_policy: %w", opSweeperNew, err)
	}

	return &Sweeper{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
		sink:   sink,
		policy: policy,
	}, nil
}

// Report summarizes one sweep run.
type Report struct {
	// Scanned counts candidates pulled from the store.
	Scanned int
	// Expired counts posts finalized this run.
	Expired int
	// Extended counts posts deferred by the active-discussion override.
	Extended int
	// Skipped counts candidates that no longer matched the selection
	// predicate when re-read under lock.
	Skipped int
	// Failed counts candidates whose per-post transaction errored.
	Failed int
	// Warned counts authors notified of an upcoming expiry.
	Warned int
	// Truncated is true when the run budget elapsed with work remaining.
	Truncated bool
}

type sweepOutcome int

const (
	outcomeSkipped sweepOutcome = iota
	outcomeExpired
	outcomeExtended
)

// RunSweep processes every post with expires_at <= now, is_expired = false,
// and no soft delete. Each post gets its own transaction: a re-read under
// lock with the same predicate guards against double-acting, a failure is
// logged and counted without aborting the run, and the run stops early when
// the budget elapses. RunSweep errors only when the candidate scan itself
// fails.
func (s *Sweeper) RunSweep(ctx context.Context) (Report, error) {
	report := Report{}
	start := s.clock().UTC()
	deadline := start.Add(s.policy.RunBudget)

	if err := s.warnUpcoming(ctx, start, &report); err != nil {
		s.logger.Error("expiry warning pass failed",
			zap.String("operation", opRunSweep), zap.Error(err))
		return report, fmt.Errorf("%s.warn_failed: %w", opRunSweep, err)
	}

	for {
		var candidateIDs []string
		err := s.db.WithContext(ctx).Model(&posts.Post{}).
			Where("expires_at IS NOT NULL AND expires_at <= ? AND is_expired = ? AND deleted_at IS NULL", start, false).
			Order("expires_at ASC").
			Limit(s.policy.BatchSize).
			Pluck("id", &candidateIDs).Error
		if err != nil {
			s.logger.Error("sweep candidate scan failed",
				zap.String("operation", opRunSweep), zap.Error(err))
			return report, fmt.Errorf("%s.scan_failed: %w", opRunSweep, err)
		}
		if len(candidateIDs) == 0 {
			break
		}

		for _, postID := range candidateIDs {
			if s.clock().UTC().After(deadline) {
				report.Truncated = true
				return report, nil
			}

			report.Scanned++
			outcome, author, err := s.sweepOne(ctx, postID, start)
			if err != nil {
				report.Failed++
				s.logger.Error("sweep decision failed",
					zap.String("operation", opRunSweep),
					zap.String("post_id", postID),
					zap.Error(err))
				continue
			}

			switch outcome {
			case outcomeExpired:
				report.Expired++
				s.sink.Notify(notify.Event{
					Recipient:  author,
					Kind:       notify.EventPostExpired,
					PostID:     postID,
					OccurredAt: s.clock().UTC(),
				})
			case outcomeExtended:
				report.Extended++
				s.sink.Notify(notify.Event{
					Recipient:  author,
					Kind:       notify.EventPostExtended,
					PostID:     postID,
					Payload:    extensionReason,
					OccurredAt: s.clock().UTC(),
				})
			case outcomeSkipped:
				report.Skipped++
			}
		}

		// A full batch may leave more candidates; a short one cannot.
		if len(candidateIDs) < s.policy.BatchSize {
			break
		}
	}

	return report, nil
}

// warnUpcoming notifies authors whose posts expire within the warning
// window. The expiry_warned_at column makes the notification one-shot: the
// guarded update only succeeds the first time, so a repeated run is silent.
func (s *Sweeper) warnUpcoming(ctx context.Context, now time.Time, report *Report) error {
	horizon := now.Add(s.policy.WarningWindow)

	for {
		var upcoming []posts.Post
		err := s.db.WithContext(ctx).
			Where("expires_at IS NOT NULL AND expiry_warned_at IS NULL AND is_expired = ? AND deleted_at IS NULL AND expires_at > ? AND expires_at <= ?",
				false, now, horizon).
			Order("expires_at ASC").
			Limit(s.policy.BatchSize).
			Find(&upcoming).Error
		if err != nil {
			return err
		}
		if len(upcoming) == 0 {
			return nil
		}

		stamped := 0
		for _, post := range upcoming {
			result := s.db.WithContext(ctx).Model(&posts.Post{}).
				Where("id = ? AND expiry_warned_at IS NULL", post.ID).
				Update("expiry_warned_at", now)
			if result.Error != nil {
				report.Failed++
				s.logger.Error("expiry warning update failed",
					zap.String("operation", opRunSweep),
					zap.String("post_id", post.ID),
					zap.Error(result.Error))
				continue
			}
			if result.RowsAffected == 0 {
				continue
			}
			stamped++
			report.Warned++
			s.sink.Notify(notify.Event{
				Recipient:  post.AuthorPseudo,
				Kind:       notify.EventPostExpiring,
				PostID:     post.ID,
				Payload:    post.ExpiresAt.UTC().Format(time.RFC3339),
				OccurredAt: now,
			})
		}

		// A page that stamped nothing would be re-selected verbatim; leave
		// the erroring rows for the next run. A short page means the window
		// is drained.
		if stamped == 0 || len(upcoming) < s.policy.BatchSize {
			return nil
		}
	}
}

// sweepOne decides one post's fate inside its own transaction.
func (s *Sweeper) sweepOne(ctx context.Context, postID string, dueCutoff time.Time) (sweepOutcome, string, error) {
	outcome := outcomeSkipped
	author := ""

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var post posts.Post
		err := txutil.ForUpdate(tx).
			Where("id = ? AND expires_at IS NOT NULL AND expires_at <= ? AND is_expired = ? AND deleted_at IS NULL",
				postID, dueCutoff, false).
			Take(&post).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Already acted on, extended, or deleted since the scan.
			return nil
		}
		if err != nil {
			return err
		}
		author = post.AuthorPseudo

		now := s.clock().UTC()
		replyCutoff := now.Add(-s.policy.ReplyWindow)
		var recentReplies int64
		if err := tx.Model(&posts.Reply{}).
			Where("post_id = ? AND deleted_at IS NULL AND created_at > ?", postID, replyCutoff).
			Count(&recentReplies).Error; err != nil {
			return err
		}

		if int(recentReplies) >= s.policy.ReplyThreshold {
			newExpiry := now.Add(s.policy.Extension)
			updates := map[string]interface{}{
				"expires_at":       newExpiry,
				"extension_reason": extensionReason,
			}
			if err := tx.Model(&posts.Post{}).Where("id = ?", postID).Updates(updates).Error; err != nil {
				return err
			}
			outcome = outcomeExtended
			return nil
		}

		updates := map[string]interface{}{
			"is_expired": true,
			"deleted_at": now,
		}
		if err := tx.Model(&posts.Post{}).Where("id = ?", postID).Updates(updates).Error; err != nil {
			return err
		}
		outcome = outcomeExpired
		return nil
	})
	if txErr != nil {
		return outcomeSkipped, "", txErr
	}

	return outcome, author, nil
}
