package app

import (
	"context"
	"fmt"
	"time"

	"previewer/api/internal/archive"
	"previewer/api/internal/email"
	"previewer/api/internal/util"
)

// ForceFlushAge is the longest a notification may wait behind an active
// debounce window.
const ForceFlushAge = 10 * time.Minute

type SweepError struct {
	Email string `json:"email"`
	Error string `json:"error"`
}

type SweepSummary struct {
	TotalRecipients int          `json:"totalRecipients"`
	Sent            int          `json:"sent"`
	Skipped         int          `json:"skipped"`
	Errors          []SweepError `json:"errors"`
}

// shouldSend is the debounce-with-ceiling rule: send once the recipient has
// been quiet for a full window, or when the oldest item is past the ceiling.
func shouldSend(debounceActive bool, oldestAge time.Duration) bool {
	return !debounceActive || oldestAge > ForceFlushAge
}

// RunSweep flushes every eligible mailbox into one digest email. Failures are
// recorded per recipient and never stop the sweep.
func (s *Service) RunSweep(ctx context.Context) (SweepSummary, error) {
	summary := SweepSummary{Errors: make([]SweepError, 0)}
	recipients, err := s.queue.ListPendingRecipients(ctx)
	if err != nil {
		return summary, fmt.Errorf("list pending recipients: %w", err)
	}
	summary.TotalRecipients = len(recipients)

	owner := util.NewID("sweep")
	for _, recipient := range recipients {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		sent, err := s.dispatchRecipient(ctx, recipient, owner)
		switch {
		case err != nil:
			s.metrics.Dispatch.WithLabelValues("error").Inc()
			s.log.Error().Err(err).Str("recipient", recipient).Msg("dispatch failed")
			summary.Errors = append(summary.Errors, SweepError{Email: recipient, Error: err.Error()})
		case sent:
			s.metrics.Dispatch.WithLabelValues("sent").Inc()
			summary.Sent++
		default:
			s.metrics.Dispatch.WithLabelValues("skipped").Inc()
			summary.Skipped++
		}
	}

	s.log.Info().
		Int("total", summary.TotalRecipients).
		Int("sent", summary.Sent).
		Int("skipped", summary.Skipped).
		Int("errors", len(summary.Errors)).
		Msg("dispatch sweep finished")
	return summary, nil
}

func (s *Service) dispatchRecipient(ctx context.Context, recipient, owner string) (bool, error) {
	active, err := s.queue.IsDebounceActive(ctx, recipient)
	if err != nil {
		return false, err
	}
	age, pending, err := s.queue.OldestAge(ctx, recipient)
	if err != nil {
		return false, err
	}
	if !pending || !shouldSend(active, age) {
		return false, nil
	}

	release, acquired, err := s.queue.AcquireLock(ctx, recipient, owner)
	if err != nil {
		return false, err
	}
	if !acquired {
		s.log.Debug().Str("recipient", recipient).Msg("dispatch already in progress")
		return false, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn().Err(err).Str("recipient", recipient).Msg("release dispatch lock")
		}
	}()

	items, err := s.queue.Drain(ctx, recipient)
	if err != nil {
		return false, err
	}
	if len(items) == 0 {
		return false, nil
	}

	msg, err := email.BuildDigest(recipient, items, s.baseURL)
	if err != nil {
		return false, fmt.Errorf("build digest: %w", err)
	}
	sendCtx, cancel := s.outbound(ctx)
	err = s.mailer.Send(sendCtx, msg)
	cancel()
	if err != nil {
		return false, fmt.Errorf("send digest: %w", err)
	}
	sentAt := s.now().UTC()

	s.archiveDigest(ctx, msg, sentAt)

	remaining, err := s.queue.Clear(ctx, recipient, len(items))
	if err != nil {
		return false, fmt.Errorf("digest sent but mailbox not cleared: %w", err)
	}
	s.log.Info().
		Str("recipient", recipient).
		Int("notifications", len(items)).
		Int64("remaining", remaining).
		Msg("digest sent")
	return true, nil
}

func (s *Service) archiveDigest(ctx context.Context, msg email.Message, sentAt time.Time) {
	if s.archive == nil {
		return
	}
	ctx, cancel := s.outbound(ctx)
	defer cancel()
	key, err := s.archive.Store(ctx, archive.Digest{
		To:      msg.To,
		Subject: msg.Subject,
		HTML:    msg.HTML,
		SentAt:  sentAt,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("archive digest")
		return
	}
	s.log.Debug().Str("object", key).Msg("digest archived")
}

// StartSweeper runs RunSweep every interval until ctx is cancelled.
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunSweep(ctx); err != nil {
				s.log.Warn().Err(err).Msg("dispatch sweep failed")
			}
		}
	}
}
