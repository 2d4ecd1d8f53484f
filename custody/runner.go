// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package custody

import (
	"context"
	"errors"
)

// DefaultRetryRounds is the number of rounds after which owed actions
// that produced nothing are run again.
const DefaultRetryRounds = 6

// RunnerConfig holds the collaborators of a Runner.
type RunnerConfig struct {
	Module   *Module
	Stream   Stream
	Executor *Executor

	// RetryRounds is the interval, in rounds, at which the pending
	// actions are run again. Zero disables retries.
	RetryRounds uint64
}

// Runner drives a Module from a Stream. Each iteration submits the queued
// proposals, processes the next batch and executes the actions it
// triggered; the items those produce are queued for the next iteration.
type Runner struct {
	cfg RunnerConfig
}

// NewRunner returns a runner for the given config.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{cfg: cfg}
}

// Run processes batches until ctx is done or a batch cannot be committed.
func (r *Runner) Run(ctx context.Context) error {
	m := r.cfg.Module

	// Actions of rounds processed before a restart are lost.
	if err := r.execute(ctx, m.PendingActions()); err != nil {
		return err
	}

	for {
		if err := r.submitPending(ctx); err != nil {
			return err
		}

		batch, err := r.cfg.Stream.NextBatch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		actions, err := m.ProcessBatch(batch)
		if err != nil {
			return err
		}

		if r.cfg.RetryRounds > 0 && batch.Round%r.cfg.RetryRounds == 0 {
			actions = mergeActions(actions, m.PendingActions())
		}

		if err := r.execute(ctx, actions); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

func (r *Runner) submitPending(ctx context.Context) error {
	proposals, err := r.cfg.Module.PendingProposals()
	if err != nil {
		return err
	}

	for _, payload := range proposals {
		if err := r.cfg.Stream.Submit(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, actions []Action) error {
	if len(actions) == 0 {
		return nil
	}

	items, err := r.cfg.Executor.Execute(ctx, actions)
	if err != nil {
		return err
	}

	for _, item := range items {
		if err := r.cfg.Module.Propose(item); err != nil {
			return err
		}
	}
	return nil
}

// mergeActions appends the actions of extra that are not in actions.
func mergeActions(actions, extra []Action) []Action {
	seen := make(map[Action]struct{}, len(actions))
	for _, a := range actions {
		seen[a] = struct{}{}
	}
	for _, a := range extra {
		if _, ok := seen[a]; !ok {
			actions = append(actions, a)
			seen[a] = struct{}{}
		}
	}
	return actions
}
