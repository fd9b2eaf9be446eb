package orchestrator

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shardmig/shardmig/pkg/errdefs"
	"github.com/shardmig/shardmig/pkg/planner"
	"github.com/shardmig/shardmig/pkg/types"
)

// Admit validates a request, plans it and stores the result. Admission
// is idempotent on the request's idempotency key: resubmitting returns
// the previously admitted migration instead of creating a duplicate.
// The returned migration is in the pending state, ready for Begin.
func (o *Orchestrator) Admit(req *types.MigrationRequest) (*types.Migration, error) {
	if req.IdempotencyKey == "" {
		return nil, errdefs.New(errdefs.ClassStructural, "MISSING_IDEMPOTENCY_KEY", "request has no idempotency key")
	}
	if existing, err := o.store.FindByIdempotencyKey(req.IdempotencyKey); err == nil {
		o.logger.Debug().
			Str("migration", existing.ID).
			Str("key", req.IdempotencyKey).
			Msg("idempotent resubmission, returning existing migration")
		return existing, nil
	}

	if err := o.validateRequest(req); err != nil {
		return nil, err
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	req.CreatedAt = time.Now().UTC()

	m := &types.Migration{
		ID:         uuid.New().String(),
		RequestID:  req.ID,
		Name:       req.Name,
		StoreClass: req.StoreClass,
		State:      types.MigrationCreated,
		OwnerToken: o.ownerToken,
		CreatedAt:  req.CreatedAt,
	}

	if err := o.store.PutRequest(req); err != nil {
		return nil, err
	}
	if err := o.store.CreateMigration(m); err != nil {
		return nil, err
	}
	if err := o.store.BindIdempotencyKey(req.IdempotencyKey, m.ID); err != nil {
		return nil, err
	}
	o.emit(m.ID, types.EventCreated, map[string]string{"request": req.ID, "name": req.Name})

	if err := o.plan(m, req); err != nil {
		m.State = types.MigrationFailed
		m.Error = err.Error()
		m.EndedAt = time.Now().UTC()
		if cerr := o.store.CASMigration(m); cerr != nil {
			o.logger.Error().Err(cerr).Str("migration", m.ID).Msg("failed to record planning failure")
		}
		o.emit(m.ID, types.EventFailed, map[string]string{"error": err.Error()})
		return nil, err
	}
	return m, nil
}

// validateRequest resolves every referenced name eagerly so a bad
// request is rejected before it costs anything.
func (o *Orchestrator) validateRequest(req *types.MigrationRequest) error {
	switch req.StoreClass {
	case types.StoreClassDocument, types.StoreClassRelational:
	default:
		return errdefs.New(errdefs.ClassStructural, "UNKNOWN_STORE_CLASS",
			fmt.Sprintf("unknown store class %q", req.StoreClass))
	}
	if _, ok := o.drivers[req.StoreClass]; !ok {
		return errdefs.New(errdefs.ClassStructural, "STORE_CLASS_UNCONFIGURED",
			fmt.Sprintf("no driver configured for store class %s", req.StoreClass))
	}
	for i := range req.Steps {
		step := &req.Steps[i]
		if step.Kind == types.StepKindData {
			if _, err := o.transformers.Lookup(step.Transformer); err != nil {
				return err
			}
		}
	}
	return nil
}

// plan moves a created migration through planning into pending.
func (o *Orchestrator) plan(m *types.Migration, req *types.MigrationRequest) error {
	m.State = types.MigrationPlanning
	if err := o.store.CASMigration(m); err != nil {
		return err
	}

	snap := o.topo.Current()
	p, err := planner.Build(m.ID, req, snap)
	if err != nil {
		return err
	}
	if err := o.store.PutPlan(p); err != nil {
		return err
	}

	var total int64
	for _, stage := range p.Stages {
		for _, step := range stage.Steps {
			total += step.EstimatedItems
		}
	}

	m.State = types.MigrationPending
	m.PlanDigest = p.Digest
	m.ItemsTotal = total
	if err := o.store.CASMigration(m); err != nil {
		return err
	}

	o.logger.Info().
		Str("migration", m.ID).
		Str("digest", p.Digest).
		Int("stages", len(p.Stages)).
		Msg("migration planned")
	return nil
}

// Begin starts executing a pending migration asynchronously.
func (o *Orchestrator) Begin(id string) error {
	m, err := o.store.GetMigration(id)
	if err != nil {
		return err
	}
	if m.State.Terminal() {
		return errdefs.Wrap(errdefs.ErrMigrationTerminal, fmt.Errorf("state %s", m.State))
	}
	if m.State != types.MigrationPending {
		return errdefs.New(errdefs.ClassLogical, "NOT_PENDING",
			fmt.Sprintf("migration %s is %s, expected pending", id, m.State))
	}

	o.launch(id)
	return nil
}

// Cancel requests cooperative cancellation of a running migration.
// In-flight batches finish and checkpoint; completed work is rolled
// back before the migration settles in cancelled.
func (o *Orchestrator) Cancel(id string) error {
	m, err := o.store.GetMigration(id)
	if err != nil {
		return err
	}
	if m.State.Terminal() {
		return errdefs.Wrap(errdefs.ErrMigrationTerminal, fmt.Errorf("state %s", m.State))
	}

	m.State = types.MigrationCancelling
	if err := o.store.CASMigration(m); err != nil {
		return err
	}

	o.mu.Lock()
	cancel, running := o.running[id]
	o.mu.Unlock()
	if running {
		cancel()
	} else {
		// Not executing here (pending, or owned by a dead process):
		// run the cancellation path directly.
		o.launch(id)
	}

	o.logger.Info().Str("migration", id).Msg("cancellation requested")
	return nil
}

// Ack acknowledges an unrecoverable migration, releasing the shard
// locks that were held to protect the inconsistent data from further
// writes. Only failed migrations with unrecoverable steps need this.
func (o *Orchestrator) Ack(id string) error {
	m, err := o.store.GetMigration(id)
	if err != nil {
		return err
	}
	if len(m.Unrecoverable) == 0 {
		return errdefs.New(errdefs.ClassLogical, "NOT_UNRECOVERABLE",
			fmt.Sprintf("migration %s has no unrecoverable steps", id))
	}

	o.locks.Release(m.ID)
	m.Unrecoverable = nil
	if err := o.store.CASMigration(m); err != nil {
		return err
	}

	o.logger.Info().Str("migration", id).Msg("unrecoverable state acknowledged, locks released")
	return nil
}
