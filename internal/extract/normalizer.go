// Package extract turns raw decision text into normalized penalty records through an LLM.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"PenaltyScanner/internal/domain"
	"PenaltyScanner/internal/logging"
	"PenaltyScanner/internal/metrics"
	"PenaltyScanner/internal/ports"
	"PenaltyScanner/internal/ratelimit"
)

// FailureKind says why an extraction produced no items.
type FailureKind string

const (
	FailureNone              FailureKind = ""
	FailureEmptyInput        FailureKind = "empty_input"
	FailureMissingCredential FailureKind = "missing_credential"
	FailureTimeout           FailureKind = "timeout"
	FailureConnection        FailureKind = "connection"
	FailureRateLimit         FailureKind = "rate_limit"
	FailureAuth              FailureKind = "auth"
	FailureBadRequest        FailureKind = "bad_request"
	FailureServer            FailureKind = "server"
	FailureParse             FailureKind = "parse"
	FailureCanceled          FailureKind = "canceled"
)

// Request is one extraction call.
type Request struct {
	Text  string
	Link  string
	RunID string
	Reset bool
}

// Result carries the normalized items or the reason there are none.
type Result struct {
	Items    []Item
	Failure  FailureKind
	Err      error
	Raw      string
	Strategy Strategy
	Attempts int
	Snapshot Snapshot
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.Failure == FailureNone }

// Budget is the completion size and deadline for one input.
type Budget struct {
	MaxTokens int
	Timeout   time.Duration
}

// BudgetFor scales the budget with the input length in characters.
func BudgetFor(text string) Budget {
	n := utf8.RuneCountInString(text)
	switch {
	case n < 3000:
		return Budget{MaxTokens: 2000, Timeout: 60 * time.Second}
	case n < 8000:
		return Budget{MaxTokens: 4000, Timeout: 120 * time.Second}
	default:
		return Budget{MaxTokens: 8000, Timeout: 180 * time.Second}
	}
}

// Options configures a Normalizer.
type Options struct {
	Model        string
	SystemPrompt string
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	Logger       *slog.Logger
	// NewUID overrides uid generation in tests.
	NewUID func() string
}

// credentialed is implemented by completers that can tell whether they hold an API key.
type credentialed interface {
	HasCredential() bool
}

// Normalizer runs the completion, recovers JSON and normalizes records.
type Normalizer struct {
	completer ports.Completer
	acc       *Accumulator
	opts      Options
	logger    *slog.Logger
}

// New builds a normalizer. acc may be nil to skip snapshots.
func New(completer ports.Completer, acc *Accumulator, opts Options) *Normalizer {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 30 * time.Second
	}
	if opts.NewUID == nil {
		opts.NewUID = uuid.NewString
	}
	return &Normalizer{
		completer: completer,
		acc:       acc,
		opts:      opts,
		logger:    logging.OrDiscard(opts.Logger).With("component", "extract"),
	}
}

// Extract normalizes req.Text. Guard failures make no network call and do not touch the
// accumulator; every other call counts towards the run's epoch, with zero items on failure.
func (n *Normalizer) Extract(ctx context.Context, req Request) Result {
	if strings.TrimSpace(req.Text) == "" {
		return n.fail(Result{Failure: FailureEmptyInput, Err: domain.ErrEmptyInput})
	}
	if n.completer == nil {
		return n.fail(Result{Failure: FailureMissingCredential, Err: domain.ErrMissingCredential})
	}
	if c, ok := n.completer.(credentialed); ok && !c.HasCredential() {
		return n.fail(Result{Failure: FailureMissingCredential, Err: domain.ErrMissingCredential})
	}

	res := n.run(ctx, req)
	if n.acc != nil && res.Failure != FailureCanceled {
		snap, err := n.acc.Record(req.RunID, req.Reset, res.Items)
		res.Snapshot = snap
		if err != nil {
			n.logger.Warn("snapshot write failed", "run", req.RunID, "error", err)
		}
	}
	if !res.OK() {
		return n.fail(res)
	}
	metrics.ExtractCalls.WithLabelValues("ok").Inc()
	metrics.ExtractItems.Add(float64(len(res.Items)))
	return res
}

func (n *Normalizer) run(ctx context.Context, req Request) Result {
	budget := BudgetFor(req.Text)
	call := ports.CompletionRequest{
		Prompt:    buildPrompt(req.Text),
		System:    n.opts.SystemPrompt,
		Model:     n.opts.Model,
		MaxTokens: budget.MaxTokens,
		Timeout:   budget.Timeout,
	}

	var raw string
	attempts := 0
	for {
		attempts++
		started := time.Now()
		out, err := n.completer.Complete(ctx, call)
		metrics.LLMDuration.Observe(time.Since(started).Seconds())
		if err == nil {
			raw = out
			break
		}
		if ctx.Err() != nil {
			return Result{Failure: FailureCanceled, Err: ctx.Err(), Attempts: attempts}
		}

		kind := failureOf(err)
		var ce *ports.CompletionError
		retryable := errors.As(err, &ce) && ce.Retryable()
		if !retryable || attempts >= n.opts.MaxAttempts {
			return Result{Failure: kind, Err: err, Attempts: attempts}
		}
		wait := ratelimit.Backoff(attempts-1, n.opts.BackoffBase, n.opts.BackoffCap)
		n.logger.Warn("completion failed, retrying", "link", req.Link, "attempt", attempts, "backoff", wait, "error", err)
		if err := ratelimit.Sleep(ctx, wait); err != nil {
			return Result{Failure: FailureCanceled, Err: err, Attempts: attempts}
		}
	}

	records, strategy, err := Recover(raw)
	if err != nil {
		return Result{
			Failure:  FailureParse,
			Err:      domain.NewError(domain.KindParseRecoverable, "recover json", err),
			Raw:      preview(raw),
			Attempts: attempts,
		}
	}

	items := make([]Item, 0, len(records))
	for _, rec := range records {
		it := normalize(rec, req.Link)
		if it.Empty() {
			continue
		}
		it.UID = n.opts.NewUID()
		items = append(items, it)
	}
	return Result{Items: items, Strategy: strategy, Attempts: attempts}
}

func (n *Normalizer) fail(res Result) Result {
	metrics.ExtractCalls.WithLabelValues(string(res.Failure)).Inc()
	n.logger.Warn("extraction failed", "failure", res.Failure, "attempts", res.Attempts, "error", res.Err)
	return res
}

func failureOf(err error) FailureKind {
	switch ports.CompletionKindOf(err) {
	case ports.CompletionTimeout:
		return FailureTimeout
	case ports.CompletionConnection:
		return FailureConnection
	case ports.CompletionRateLimit:
		return FailureRateLimit
	case ports.CompletionAuth:
		return FailureAuth
	case ports.CompletionBadRequest:
		return FailureBadRequest
	default:
		return FailureServer
	}
}

const promptTemplate = `从以下行政处罚信息中提取每一条处罚记录，以 JSON 数组返回，不要输出其他内容。
每个对象包含字段：
entity_name（当事人名称）、decision_doc_no（行政处罚决定书文号）、violation_facts（主要违法违规事实）、
legal_basis（行政处罚依据）、decision_content（行政处罚决定）、issuing_agency（作出处罚决定的机关名称）、
decision_date（作出处罚决定的日期，YYYY-MM-DD）、amount（罚款总金额，单位元，纯数字）、
category（违规类型）、province（省份）、industry（行业）。
缺失的字段填空字符串。

内容：
%s`

func buildPrompt(text string) string {
	return fmt.Sprintf(promptTemplate, strings.TrimSpace(text))
}
