package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/classping/notify/internal/core/domain"
	"github.com/classping/notify/internal/template"
)

// AbuseSeverity grades the aggregate of all abuse flags.
type AbuseSeverity int

const (
	AbuseNone AbuseSeverity = iota
	AbuseLow
	AbuseMedium
	AbuseHigh
)

func (s AbuseSeverity) String() string {
	switch s {
	case AbuseLow:
		return "low"
	case AbuseMedium:
		return "medium"
	case AbuseHigh:
		return "high"
	default:
		return "none"
	}
}

// AbuseFlag is one matched abuse signal. Blocking flags force denial; the
// rest surface as review warnings.
type AbuseFlag struct {
	Kind     string // burst, rapid_fire, rejection_rate, content_length, tone
	Severity AbuseSeverity
	Blocking bool
	Detail   string
}

// AbuseReport aggregates the signals for one evaluation. Severity is the
// maximum flag severity; AutoBlocked is true when any flag blocks.
type AbuseReport struct {
	Flags       []AbuseFlag
	Severity    AbuseSeverity
	AutoBlocked bool
}

func (r *AbuseReport) add(f AbuseFlag) {
	r.Flags = append(r.Flags, f)
	if f.Severity > r.Severity {
		r.Severity = f.Severity
	}
	if f.Blocking {
		r.AutoBlocked = true
	}
}

// BlockReason returns the first blocking flag's detail.
func (r *AbuseReport) BlockReason() string {
	for _, f := range r.Flags {
		if f.Blocking {
			return f.Detail
		}
	}
	return ""
}

// BlockCode maps the first blocking flag to its denial code. Tone blocks get
// their own code so senders see a content problem, not a volume one.
func (r *AbuseReport) BlockCode() domain.DenialCode {
	for _, f := range r.Flags {
		if !f.Blocking {
			continue
		}
		if f.Kind == "tone" {
			return domain.DenialToneRejected
		}
		return domain.DenialAbuseBlocked
	}
	return ""
}

// assessAbuse evaluates the OR-aggregated abuse signals: burst volume from
// the history snapshot, the shared limiter bucket, the sender's recent
// rejection rate, and the content checks (length plus tone screening).
func (g *Guard) assessAbuse(ctx context.Context, req Request, snap *domain.RateSnapshot, now time.Time) (*AbuseReport, error) {
	report := &AbuseReport{}

	if snap.BurstCount >= g.cfg.BurstMax {
		report.add(AbuseFlag{
			Kind:     "burst",
			Severity: AbuseHigh,
			Blocking: true,
			Detail:   fmt.Sprintf("burst sending detected: %d messages within %s", snap.BurstCount, g.cfg.BurstWindow),
		})
	}

	if g.limiter != nil {
		allowed, err := g.limiter.Allow(ctx, "sender:"+req.SenderID.String(), g.cfg.BurstMax, g.cfg.BurstWindow)
		if err != nil {
			// A broken limiter store must not take sending down with it.
			g.logger.WarnContext(ctx, "Burst limiter store unavailable, skipping", "error", err)
		} else if !allowed {
			report.add(AbuseFlag{
				Kind:     "rapid_fire",
				Severity: AbuseHigh,
				Blocking: true,
				Detail:   "rapid-fire sending detected, please slow down",
			})
		}
	}

	denied, err := g.store.CountDenials(ctx, req.SenderID, now.Add(-g.cfg.RejectionLookback))
	if err != nil {
		return nil, fmt.Errorf("failed to count recent denials: %w", err)
	}
	// Small samples swing wildly; require a handful of outcomes before the
	// ratio means anything.
	if total := denied + snap.SendCountLookback; total >= 10 {
		rate := float64(denied) / float64(total)
		if rate >= g.cfg.RejectionRateBlock {
			report.add(AbuseFlag{
				Kind:     "rejection_rate",
				Severity: AbuseHigh,
				Blocking: true,
				Detail:   fmt.Sprintf("%.0f%% of recent sends were rejected; sending is suspended pending review", rate*100),
			})
		} else if rate >= g.cfg.RejectionRateBlock/2 {
			report.add(AbuseFlag{
				Kind:     "rejection_rate",
				Severity: AbuseMedium,
				Detail:   fmt.Sprintf("%.0f%% of recent sends were rejected", rate*100),
			})
		}
	}

	if g.cfg.MaxBodyLength > 0 && len(req.Body) > g.cfg.MaxBodyLength {
		report.add(AbuseFlag{
			Kind:     "content_length",
			Severity: AbuseMedium,
			Detail:   fmt.Sprintf("message body is %d characters (limit %d)", len(req.Body), g.cfg.MaxBodyLength),
		})
	}

	tone := template.ScreenTone(req.Category, req.Subject, req.Body)
	for _, finding := range tone.Findings {
		blocking := finding.Severity == template.ToneBlock
		severity := AbuseMedium
		if blocking {
			severity = AbuseHigh
		}
		report.add(AbuseFlag{
			Kind:     "tone",
			Severity: severity,
			Blocking: blocking,
			Detail:   fmt.Sprintf("%s language: %q", finding.Kind, finding.Phrase),
		})
	}

	return report, nil
}
