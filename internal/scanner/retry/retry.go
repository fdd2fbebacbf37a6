package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/solwatch/mintwatch/internal/chain/solana/rpc"
)

// Class partitions failures by how the caller should react.
type Class string

const (
	// ClassTransient: retry with backoff, bounded attempts.
	ClassTransient Class = "transient"
	// ClassSkip: drop the unit of work (one slot, one transaction)
	// immediately; retrying cannot help.
	ClassSkip Class = "skip"
	// ClassTerminal: abort the enclosing operation.
	ClassTerminal Class = "terminal"
)

type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool { return d.Class == ClassTransient }
func (d Decision) IsSkip() bool      { return d.Class == ClassSkip }

// Classify maps an error to a retry decision. RPC errors carry their own
// taxonomy; everything else falls back to context state, net.Error, and
// message-token matching.
func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassTerminal, Reason: "nil_error"}
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Class: ClassTerminal, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: ClassTransient, Reason: "context_deadline_exceeded"}
	}

	switch rpc.KindOf(err) {
	case rpc.KindRateLimited:
		return Decision{Class: ClassTransient, Reason: "rate_limited"}
	case rpc.KindTransport:
		return Decision{Class: ClassTransient, Reason: "transport_error"}
	case rpc.KindOversized:
		return Decision{Class: ClassSkip, Reason: "oversized_response"}
	case rpc.KindNotFound:
		return Decision{Class: ClassSkip, Reason: "not_found"}
	case rpc.KindProtocol:
		return Decision{Class: ClassSkip, Reason: "protocol_error"}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Decision{Class: ClassTransient, Reason: "net_timeout"}
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, transientMessageTokens) {
		return Decision{Class: ClassTransient, Reason: "message_transient"}
	}

	return Decision{Class: ClassTerminal, Reason: "unknown_terminal_default"}
}

// Policy is an explicit retry policy value so behavior can differ per call
// site and be unit-tested without real timers.
type Policy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
	// Sleep is injectable for tests; nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is invoked before each retry attempt (attempt counts from 1).
	OnRetry func(attempt int, err error)
}

// ExponentialBackoff doubles the delay per attempt, capped at max.
func ExponentialBackoff(initial, max time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		delay := initial
		for i := 1; i < attempt; i++ {
			if delay >= max/2 {
				return max
			}
			delay *= 2
		}
		if delay > max {
			return max
		}
		return delay
	}
}

// Do runs fn under the policy. Transient failures are retried with backoff;
// rate-limited failures get one extra backoff step before the next attempt.
// Skip and terminal failures return immediately for the caller to classify.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	var lastDecision Decision
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		lastDecision = Classify(err)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !lastDecision.IsTransient() {
			return err
		}
		if attempt == attempts {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		delay := p.Backoff(attempt)
		if lastDecision.Reason == "rate_limited" {
			// One extra backoff step: the bucket upstream needs longer
			// than a generic transient blip.
			delay += p.Backoff(attempt + 1)
		}
		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return fmt.Errorf("attempts exhausted (%d, %s): %w", attempts, lastDecision.Reason, lastErr)
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"too many requests",
	"rate limit",
	"http status 429",
	"http status 502",
	"http status 503",
	"http status 504",
	"server closed idle connection",
}
