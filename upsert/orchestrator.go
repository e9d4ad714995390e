package upsert

import (
	"context"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"memo-sync/domain"
)

// Orchestrator decides between creating and updating a memo and persists
// the form through the store.
type Orchestrator struct {
	store      MemoStore
	lifecycle  *Lifecycle
	repairer   IDRepairer
	logger     *log.Logger
	submitting atomic.Bool
}

// NewOrchestrator wires an orchestrator. repairer may be nil, in which case
// failed id patches are only logged.
func NewOrchestrator(store MemoStore, lifecycle *Lifecycle, repairer IDRepairer, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if lifecycle == nil {
		lifecycle = NewLifecycle(nil, nil, logger)
	}
	return &Orchestrator{store: store, lifecycle: lifecycle, repairer: repairer, logger: logger}
}

// Submit persists the form. A form without a bound id creates a memo owned
// by owner; a bound form updates the loaded record. The form is reset only
// on success. Only one submit runs at a time.
func (o *Orchestrator) Submit(ctx context.Context, owner domain.Identity, form *Form) (Result, error) {
	if !o.submitting.CompareAndSwap(false, true) {
		return Result{}, domain.ErrSubmitInProgress
	}
	defer o.submitting.Store(false)

	in := form.snapshot()
	op := OpCreate
	if in.boundID != "" {
		op = OpUpdate
	}

	var res Result
	err := o.lifecycle.Run(ctx, op, func(ctx context.Context) error {
		if err := domain.ValidateForm(in.title, in.description); err != nil {
			return err
		}
		var err error
		if in.boundID == "" {
			res, err = o.create(ctx, owner, in)
		} else {
			res, err = o.update(ctx, in)
		}
		if err != nil {
			return err
		}
		form.Reset()
		return nil
	})
	o.lifecycle.Report(op, err)
	return res, err
}

func (o *Orchestrator) create(ctx context.Context, owner domain.Identity, in submission) (Result, error) {
	if owner.UserID == "" {
		return Result{}, domain.ErrNoIdentity
	}
	memo := domain.Memo{
		ID:          "",
		Title:       domain.CoerceTitle(in.title),
		Description: in.description,
		FolderID:    in.folderID,
		CreatedUser: owner.UserID,
		CreatedDate: domain.ServerTimestamp(),
		UpdatedDate: domain.ServerTimestamp(),
	}
	key, err := o.store.CreateMemo(ctx, memo)
	if err != nil {
		return Result{}, &domain.PersistenceError{Op: OpCreate, Err: err}
	}
	res := Result{ID: key, Created: true}

	// The key only exists once the first write is acknowledged.
	if err := o.store.SetMemoID(ctx, key); err != nil {
		o.scheduleRepair(ctx, key)
		return res, &domain.PartialCreateError{ID: key, Err: err}
	}
	return res, nil
}

func (o *Orchestrator) update(ctx context.Context, in submission) (Result, error) {
	if in.memo == nil {
		return Result{}, domain.ErrMemoNotLoaded
	}
	memo := *in.memo
	memo.ID = in.boundID
	memo.Title = domain.CoerceTitle(in.title)
	memo.Description = in.description
	memo.FolderID = in.folderID
	memo.UpdatedDate = domain.ServerTimestamp()
	if err := o.store.UpdateMemo(ctx, memo); err != nil {
		return Result{}, &domain.PersistenceError{Op: OpUpdate, Err: err}
	}
	return Result{ID: in.boundID}, nil
}

func (o *Orchestrator) scheduleRepair(ctx context.Context, key string) {
	if o.repairer == nil {
		return
	}
	if err := o.repairer.ScheduleIDPatch(ctx, key); err != nil {
		o.logger.WithError(err).WithField("memo", key).Error("failed to schedule id patch")
		return
	}
	o.logger.WithField("memo", key).Warn("id patch deferred to repair queue")
}
