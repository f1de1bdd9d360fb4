// Package registration implements the hot path that admits or rejects a runner's
// attendance for today's run and fans the fresh tally out over the event bus.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/runclub/attendance/internal/calendar"
	"github.com/runclub/attendance/internal/codeissuer"
	"github.com/runclub/attendance/internal/eventbus"
	"github.com/runclub/attendance/internal/repository"
)

// OutcomeKind tags the result of a registration attempt. Using a closed set of kinds
// rather than sentinel errors lets the Gateway map each one to its HTTP status
// without string matching.
type OutcomeKind int

const (
	Ok OutcomeKind = iota
	AlreadyRegistered
	BadSession
	SessionClosed
	Invalid
	Retryable
)

// Outcome is the result of a Register call.
type Outcome struct {
	Kind  OutcomeKind
	Count int
}

// TallyUpdate is the event published to the EventBus after a successful registration,
// carrying the run's fresh headcount.
type TallyUpdate struct {
	RunID       string `json:"run_id"`
	Count       int    `json:"current_count"`
	RunnerID    string `json:"runner_id"`
	SessionCode string `json:"session_code"`
}

// defaultMaxRunnerIDLen bounds the length of a normalised runner id; longer input is
// rejected as Invalid rather than silently truncated.
const defaultMaxRunnerIDLen = 64

// commitTimeout bounds how long a registration waits on the store's transaction
// commit before surfacing Retryable to the caller.
const commitTimeout = 5 * time.Second

// Engine admits registrations against today's run.
type Engine struct {
	store       *repository.Store
	calendar    *calendar.Manager
	issuer      *codeissuer.Issuer
	bus         *eventbus.Bus
	maxRunnerID int
}

// New builds an Engine. maxRunnerIDLen <= 0 selects the default of 64.
func New(store *repository.Store, cal *calendar.Manager, issuer *codeissuer.Issuer, bus *eventbus.Bus, maxRunnerIDLen int) *Engine {
	if maxRunnerIDLen <= 0 {
		maxRunnerIDLen = defaultMaxRunnerIDLen
	}
	return &Engine{store: store, calendar: cal, issuer: issuer, bus: bus, maxRunnerID: maxRunnerIDLen}
}

// Register resolves codeOrToken to today's run, normalises runnerID, and attempts an
// at-most-once attendance write. On success it publishes a TallyUpdate to the "tally"
// topic after the write commits; a duplicate publishes nothing.
func (e *Engine) Register(ctx context.Context, codeOrToken, runnerID string, clientTS time.Time) (Outcome, error) {
	sessionCode, err := e.resolveSessionCode(codeOrToken)
	if err != nil {
		return Outcome{Kind: BadSession}, nil
	}

	run, err := e.store.GetRunByCode(ctx, sessionCode)
	if err != nil {
		return Outcome{}, fmt.Errorf("lookup run: %w", err)
	}
	if run == nil {
		return Outcome{Kind: BadSession}, nil
	}
	if !run.IsActive {
		return Outcome{Kind: SessionClosed}, nil
	}
	if !run.Date.Equal(e.calendar.Today()) {
		return Outcome{Kind: SessionClosed}, nil
	}

	normalised := strings.TrimSpace(runnerID)
	if normalised == "" || len(normalised) > e.maxRunnerID {
		return Outcome{Kind: Invalid}, nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, commitTimeout)
	defer cancel()

	result, err := e.store.Register(writeCtx, run.ID, normalised, clientTS)
	if err != nil {
		log.Printf("[REGISTRATION] store write failed for run %s: %v", run.ID, err)
		return Outcome{Kind: Retryable}, nil
	}

	switch result.Status {
	case repository.RegisterOk:
		e.publishTally(run.ID, sessionCode, normalised, result.Count)
		return Outcome{Kind: Ok, Count: result.Count}, nil
	case repository.RegisterDuplicate:
		return Outcome{Kind: AlreadyRegistered, Count: result.Count}, nil
	case repository.RegisterInactive:
		return Outcome{Kind: SessionClosed}, nil
	case repository.RegisterNoSuchRun:
		return Outcome{Kind: BadSession}, nil
	default:
		return Outcome{Kind: Retryable}, nil
	}
}

func (e *Engine) publishTally(runID, sessionCode, runnerID string, count int) {
	e.bus.Publish("tally", TallyUpdate{
		RunID:       runID,
		Count:       count,
		RunnerID:    runnerID,
		SessionCode: sessionCode,
	})
}

// resolveSessionCode accepts either a raw session code (typed in by hand) or a signed
// QR token and returns the underlying session code in both cases. An expired token is
// rejected outright rather than falling through to a code lookup that cannot succeed.
func (e *Engine) resolveSessionCode(codeOrToken string) (string, error) {
	code, err := e.issuer.VerifyQRToken(codeOrToken)
	if err == nil {
		return code, nil
	}
	if errors.Is(err, codeissuer.ErrExpiredToken) {
		return "", err
	}
	if codeOrToken == "" {
		return "", codeissuer.ErrInvalidToken
	}
	return codeOrToken, nil
}
