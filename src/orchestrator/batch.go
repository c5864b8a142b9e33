package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"homelab-autopilot/src/config"
	"homelab-autopilot/src/plugins"
	"homelab-autopilot/src/safety"
	"homelab-autopilot/src/state"
)

// ServiceResult is one service's slice of a batch run.
type ServiceResult struct {
	Service string
	Record  state.OperationRecord
	Err     error
}

// BatchResult aggregates a multi-service run. Fatal means a rollback failure
// stopped the batch early; any services not yet started were skipped.
type BatchResult struct {
	Results []ServiceResult
	Fatal   bool
}

// Counts returns the number of succeeded and failed services.
func (b BatchResult) Counts() (succeeded, failed int) {
	for _, r := range b.Results {
		if r.Err == nil {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

// ExitCode maps the batch outcome to the process exit code: 0 when every
// service succeeded, 2 for a partial failure, 1 for total failure or a
// fatal stop.
func (b BatchResult) ExitCode() int {
	if b.Fatal {
		return 1
	}
	ok, failed := b.Counts()
	switch {
	case failed == 0:
		return 0
	case ok == 0:
		return 1
	default:
		return 2
	}
}

// BackupAll backs up every enabled service with the backup flag set. One
// service's failure never stops the rest; a rollback failure or a state
// store failure does, since the operator must intervene before anything
// else mutates state. Exactly one summary notification is sent per batch.
func (o *Orchestrator) BackupAll(ctx context.Context) BatchResult {
	var descs []config.ServiceDescriptor
	for _, d := range o.cfg.Services {
		if d.Enabled && d.Backup {
			descs = append(descs, d)
		}
	}

	batch := o.runBatch(ctx, descs, func(ctx context.Context, desc config.ServiceDescriptor) (state.OperationRecord, error) {
		return o.backupOne(ctx, desc)
	})

	if len(batch.Results) > 0 {
		o.alert(ctx, summaryMessage("backup", batch))
	}
	return batch
}

// runBatch executes op per service, sequentially by default, or through a
// bounded worker pool when parallelism is configured. Services sharing a
// node hint never run concurrently. Cancellation is honored between
// services only; an in-flight operation always runs to completion.
func (o *Orchestrator) runBatch(ctx context.Context, descs []config.ServiceDescriptor, op func(context.Context, config.ServiceDescriptor) (state.OperationRecord, error)) BatchResult {
	results := make([]ServiceResult, len(descs))
	fatal := false

	workers := o.cfg.Global.Backup.Parallelism
	if workers <= 1 {
		for i, desc := range descs {
			if err := ctx.Err(); err != nil || fatal {
				results[i] = ServiceResult{Service: desc.Name, Err: errSkipped(err)}
				continue
			}
			rec, err := op(ctx, desc)
			results[i] = ServiceResult{Service: desc.Name, Record: rec, Err: err}
			if isFatal(err) {
				fatal = true
			}
		}
		return BatchResult{Results: results, Fatal: fatal}
	}

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		nodeLocks = map[string]*sync.Mutex{}
		sem       = make(chan struct{}, workers)
	)
	lockFor := func(desc config.ServiceDescriptor) *sync.Mutex {
		key := desc.Node
		if key == "" {
			key = "service:" + desc.Name
		}
		mu.Lock()
		defer mu.Unlock()
		l, ok := nodeLocks[key]
		if !ok {
			l = &sync.Mutex{}
			nodeLocks[key] = l
		}
		return l
	}

	for i, desc := range descs {
		if err := batchCtx.Err(); err != nil {
			results[i] = ServiceResult{Service: desc.Name, Err: errSkipped(err)}
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, desc config.ServiceDescriptor) {
			defer wg.Done()
			defer func() { <-sem }()

			l := lockFor(desc)
			l.Lock()
			defer l.Unlock()

			if err := batchCtx.Err(); err != nil {
				results[i] = ServiceResult{Service: desc.Name, Err: errSkipped(err)}
				return
			}
			rec, err := op(ctx, desc)
			results[i] = ServiceResult{Service: desc.Name, Record: rec, Err: err}
			if isFatal(err) {
				mu.Lock()
				fatal = true
				mu.Unlock()
				cancel()
			}
		}(i, desc)
	}
	wg.Wait()
	return BatchResult{Results: results, Fatal: fatal}
}

func errSkipped(cause error) error {
	if cause != nil {
		return fmt.Errorf("skipped: %w", cause)
	}
	return errors.New("skipped: batch stopped after fatal error")
}

// isFatal reports errors that must stop the whole batch: a failed rollback
// needs an operator, and a state store failure means further operations
// would run without durable records.
func isFatal(err error) bool {
	var rb *safety.RollbackError
	if errors.As(err, &rb) {
		return true
	}
	return state.IsStateError(err)
}

// summaryMessage builds the single per-batch notification.
func summaryMessage(operation string, batch BatchResult) plugins.Message {
	ok, failed := batch.Counts()
	severity := plugins.SeverityInfo
	switch {
	case batch.Fatal, ok == 0 && failed > 0:
		severity = plugins.SeverityCritical
	case failed > 0:
		severity = plugins.SeverityWarning
	}

	var b strings.Builder
	for _, r := range batch.Results {
		if r.Err == nil {
			fmt.Fprintf(&b, "%s: ok (%s, %d bytes)\n", r.Service, r.Record.Destination, r.Record.SizeBytes)
		} else {
			fmt.Fprintf(&b, "%s: FAILED: %v\n", r.Service, r.Err)
		}
	}

	return plugins.Message{
		AlertType: operation + "_summary",
		Service:   "batch",
		Severity:  severity,
		Subject:   fmt.Sprintf("%s summary: %d succeeded, %d failed", operation, ok, failed),
		Body:      b.String(),
	}
}
