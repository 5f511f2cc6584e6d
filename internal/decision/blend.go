// Package decision merges rule, recall, and fallback outputs into a
// single categorization proposal with a rationale trace. The blender
// never authorizes posting; route assignment belongs to the gate.
package decision

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/quillbooks/quill/internal/calibrate"
	"github.com/quillbooks/quill/internal/config"
	"github.com/quillbooks/quill/internal/fallback"
	"github.com/quillbooks/quill/internal/model"
	"github.com/quillbooks/quill/internal/recall"
	"github.com/quillbooks/quill/internal/rules"
	"github.com/quillbooks/quill/pkg/reasoner"
)

// ChartProvider supplies the closed set of valid accounts per tenant.
// The fallback tier is constrained to this set.
type ChartProvider interface {
	Accounts(ctx context.Context, tenantID string) ([]reasoner.AccountOption, error)
}

// Blender runs the fixed rule, recall, fallback stage order with
// short-circuiting, calibrates raw scores, and assembles the proposal.
type Blender struct {
	rules      *rules.Matcher
	recall     *recall.Store
	fallback   *fallback.Tier
	calibrator *calibrate.Calibrator
	chart      ChartProvider
	settings   func(tenantID string) config.DecisionConfig

	nowFunc func() time.Time
	idFunc  func() string
}

func New(matcher *rules.Matcher, rec *recall.Store, fb *fallback.Tier, cal *calibrate.Calibrator, chart ChartProvider, settings func(tenantID string) config.DecisionConfig) *Blender {
	return &Blender{
		rules:      matcher,
		recall:     rec,
		fallback:   fb,
		calibrator: cal,
		chart:      chart,
		settings:   settings,
		nowFunc:    time.Now,
		idFunc:     uuid.NewString,
	}
}

// Blend decides one transaction. With fullEval false, stages after the
// first hit are recorded as skipped; with fullEval true every stage
// executes and contributes to the trace regardless of earlier hits.
func (b *Blender) Blend(ctx context.Context, tx *model.Transaction, fullEval bool) (*model.CategorizationProposal, error) {
	cfg := b.settings(tx.TenantID)
	trace := make([]model.StageOutcome, 0, 3)

	// Stage 1: pattern rules.
	ruleHit := b.rules.Match(tx.Vendor, tx.TenantID)
	var ruleStage model.StageOutcome
	if ruleHit != nil {
		res, err := b.calibrator.Calibrate(ctx, ruleHit.Confidence, model.StrategyRule, tx.TenantID, cfg.ModelVersion)
		if err != nil {
			return nil, eris.Wrap(err, "decision: calibrate rule score")
		}
		ruleStage = model.StageOutcome{
			Strategy:      model.StrategyRule,
			Kind:          model.StageHit,
			Account:       ruleHit.Account,
			RawScore:      ruleHit.Confidence,
			CalibratedP:   res.P,
			CalibrationID: res.CalibrationID,
			Detail:        defaultFlag(res, fmt.Sprintf("rule %s", ruleHit.RuleID)),
		}
	} else {
		ruleStage = model.StageOutcome{Strategy: model.StrategyRule, Kind: model.StageInconclusive, Detail: "no pattern matched"}
	}
	trace = append(trace, ruleStage)

	// Stage 2: similarity recall. Skipped after a rule hit unless a
	// full evaluation was requested.
	var recallStage model.StageOutcome
	var recallAmbiguous bool
	if ruleHit != nil && !fullEval {
		recallStage = model.StageOutcome{Strategy: model.StrategyRecall, Kind: model.StageSkipped}
	} else {
		res := b.recall.Recall(ctx, tx.Vendor, tx.TenantID, cfg.RecallK)
		recallAmbiguous = res.Ambiguous
		if top := res.Top(); top != nil {
			cal, err := b.calibrator.Calibrate(ctx, top.Similarity, model.StrategyRecall, tx.TenantID, cfg.ModelVersion)
			if err != nil {
				return nil, eris.Wrap(err, "decision: calibrate recall score")
			}
			recallStage = model.StageOutcome{
				Strategy:      model.StrategyRecall,
				Kind:          model.StageHit,
				Account:       top.Account,
				RawScore:      top.Similarity,
				CalibratedP:   cal.P,
				CalibrationID: cal.CalibrationID,
				Detail:        defaultFlag(cal, fmt.Sprintf("%d neighbors", len(res.Hits))),
			}
		} else {
			recallStage = model.StageOutcome{Strategy: model.StrategyRecall, Kind: model.StageInconclusive, Detail: "no neighbor at or above similarity floor"}
		}
	}
	trace = append(trace, recallStage)

	// Stage 3: external reasoning fallback. Runs only when both prior
	// stages were inconclusive, or on full evaluation.
	var fallbackStage model.StageOutcome
	priorHit := ruleStage.Kind == model.StageHit || recallStage.Kind == model.StageHit
	if priorHit && !fullEval {
		fallbackStage = model.StageOutcome{Strategy: model.StrategyFallback, Kind: model.StageSkipped}
	} else {
		accounts, err := b.chart.Accounts(ctx, tx.TenantID)
		if err != nil {
			return nil, eris.Wrap(err, "decision: load chart of accounts")
		}
		prop := b.fallback.Propose(ctx, tx, accounts)
		if prop.Unavailable != "" {
			fallbackStage = model.StageOutcome{Strategy: model.StrategyFallback, Kind: model.StageInconclusive, Detail: string(prop.Unavailable)}
		} else {
			cal, err := b.calibrator.Calibrate(ctx, prop.RawScore, model.StrategyFallback, tx.TenantID, cfg.ModelVersion)
			if err != nil {
				return nil, eris.Wrap(err, "decision: calibrate fallback score")
			}
			fallbackStage = model.StageOutcome{
				Strategy:      model.StrategyFallback,
				Kind:          model.StageHit,
				Account:       prop.Account,
				RawScore:      prop.RawScore,
				CalibratedP:   cal.P,
				CalibrationID: cal.CalibrationID,
				Detail:        defaultFlag(cal, prop.Rationale),
			}
		}
	}
	trace = append(trace, fallbackStage)

	winner := pickWinner(ruleStage, recallStage, fallbackStage)

	proposal := &model.CategorizationProposal{
		ID:              b.idFunc(),
		TransactionID:   tx.ID,
		TenantID:        tx.TenantID,
		Route:           model.RouteNeedsReview,
		Trace:           trace,
		ModelVersion:    cfg.ModelVersion,
		RecallAmbiguous: recallAmbiguous,
		CreatedAt:       b.nowFunc().UTC(),
	}
	if ruleHit != nil {
		proposal.RuleVersion = ruleHit.RuleVersion
	}
	if winner != nil {
		proposal.Strategy = winner.Strategy
		proposal.RawScore = winner.RawScore
		proposal.CalibratedP = winner.CalibratedP
		proposal.Entry = buildEntry(tx, winner.Account, cfg.FundingAccount, b.idFunc(), proposal.CreatedAt)
		proposal.CalibrationID = winner.CalibrationID
	}
	return proposal, nil
}

// pickWinner applies the precedence policy: a rule hit wins outright;
// between recall and fallback the higher calibrated probability wins,
// with exact ties favoring recall.
func pickWinner(rule, rec, fb model.StageOutcome) *model.StageOutcome {
	if rule.Kind == model.StageHit {
		return &rule
	}
	recHit := rec.Kind == model.StageHit
	fbHit := fb.Kind == model.StageHit
	switch {
	case recHit && fbHit:
		if fb.CalibratedP > rec.CalibratedP {
			return &fb
		}
		return &rec
	case recHit:
		return &rec
	case fbHit:
		return &fb
	default:
		return nil
	}
}

// RebuildEntry reconstructs an entry's legs for a reviewer-chosen
// account, keeping the original entry id.
func RebuildEntry(tx *model.Transaction, account, fundingAccount, entryID string, at time.Time) model.JournalEntry {
	if entryID == "" {
		entryID = uuid.NewString()
	}
	return buildEntry(tx, account, fundingAccount, entryID, at)
}

// buildEntry constructs the double-entry legs for a categorized
// transaction: outflows debit the category account and credit the
// funding account, inflows the reverse. Amounts stay in integer minor
// units throughout.
func buildEntry(tx *model.Transaction, account, fundingAccount, entryID string, at time.Time) model.JournalEntry {
	amount := tx.AmountCents
	var legs []model.Leg
	if amount < 0 {
		legs = []model.Leg{
			{Account: account, DebitCents: -amount},
			{Account: fundingAccount, CreditCents: -amount},
		}
	} else {
		legs = []model.Leg{
			{Account: fundingAccount, DebitCents: amount},
			{Account: account, CreditCents: amount},
		}
	}
	return model.JournalEntry{
		ID:            entryID,
		TenantID:      tx.TenantID,
		TransactionID: tx.ID,
		Date:          tx.Date,
		Legs:          legs,
		CreatedAt:     at,
	}
}

func defaultFlag(res calibrate.Result, detail string) string {
	if res.UsedDefault {
		if detail == "" {
			return "calibration: default"
		}
		return detail + "; calibration: default"
	}
	return detail
}
