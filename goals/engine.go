package goals

import (
	"context"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"proman-api/domain"
	"proman-api/storage"
)

// Engine owns objective progress: it maintains the weighted roll-up of key
// results and reacts to task status changes. All writes to one objective are
// serialized through a per-objective lock so concurrent recalculations never
// interleave their read-modify-write cycles.
type Engine struct {
	store  storage.Store
	logger *log.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates an engine over the given document store.
func NewEngine(store storage.Store, logger *log.Logger) *Engine {
	return &Engine{
		store:  store,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lockFor(objectiveID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[objectiveID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[objectiveID] = l
	}
	return l
}

func (e *Engine) getObjective(ctx context.Context, objectiveID string) (domain.Objective, error) {
	doc, err := e.store.GetByID(ctx, storage.Objectives, objectiveID)
	if err != nil {
		return domain.Objective{}, fmt.Errorf("objective %s: %w", objectiveID, err)
	}
	var obj domain.Objective
	if err := sonic.Unmarshal(doc.Data, &obj); err != nil {
		return domain.Objective{}, fmt.Errorf("decode objective %s: %w", objectiveID, err)
	}
	obj.ID = doc.ID
	return obj, nil
}

func (e *Engine) saveObjective(ctx context.Context, obj domain.Objective) error {
	obj.UpdatedAt = e.store.ServerNow()
	data, err := sonic.Marshal(obj)
	if err != nil {
		return fmt.Errorf("encode objective %s: %w", obj.ID, err)
	}
	return e.store.Update(ctx, storage.Objectives, obj.ID, data)
}

// CreateObjective stores a new objective. Key results get ids assigned,
// variant fields are normalized and the roll-up fields start from zero.
func (e *Engine) CreateObjective(ctx context.Context, obj domain.Objective) (string, error) {
	if !domain.ValidCategory(obj.Category) {
		return "", fmt.Errorf("category %q: %w", obj.Category, domain.ErrInvalidState)
	}
	if obj.ProjectID == "" {
		obj.ProjectID = domain.GlobalProject
	}
	for i := range obj.KeyResults {
		if obj.KeyResults[i].ID == "" {
			obj.KeyResults[i].ID = uuid.NewString()
		}
		obj.KeyResults[i].Normalize()
	}
	obj.TotalWeight = obj.SumWeights()
	obj.WeightedScore = 0
	obj.ProgressPercent = 0
	obj.Status = domain.StatusFor(0)
	now := e.store.ServerNow()
	obj.CreatedAt = now
	obj.UpdatedAt = now

	data, err := sonic.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("encode objective: %w", err)
	}
	id, err := e.store.Insert(ctx, storage.Objectives, data)
	if err != nil {
		return "", err
	}
	e.logger.WithFields(log.Fields{"objectiveId": id, "projectId": obj.ProjectID}).Info("objective created")
	return id, nil
}

// GetObjective fetches one objective by id.
func (e *Engine) GetObjective(ctx context.Context, objectiveID string) (domain.Objective, error) {
	return e.getObjective(ctx, objectiveID)
}

// ListProjectObjectives returns a project's objectives ordered by title,
// optionally narrowed to one category. The category is part of the store
// query so it composes with the limit.
func (e *Engine) ListProjectObjectives(ctx context.Context, projectID string, category domain.ObjectiveCategory, limit int) ([]domain.Objective, error) {
	filters := []storage.Filter{storage.Eq("projectId", projectID)}
	if category != "" {
		filters = append(filters, storage.Eq("category", string(category)))
	}
	docs, err := e.store.Query(ctx, storage.Objectives, filters, "title", limit)
	if err != nil {
		return nil, err
	}
	return decodeObjectives(docs)
}

// ListAvailableObjectives returns the objectives a task in the project may
// link to: the project's own plus the company-wide ones.
func (e *Engine) ListAvailableObjectives(ctx context.Context, projectID string, category domain.ObjectiveCategory, limit int) ([]domain.Objective, error) {
	filters := []storage.Filter{storage.In("projectId", []string{projectID, domain.GlobalProject})}
	if category != "" {
		filters = append(filters, storage.Eq("category", string(category)))
	}
	docs, err := e.store.Query(ctx, storage.Objectives, filters, "title", limit)
	if err != nil {
		return nil, err
	}
	return decodeObjectives(docs)
}

// UpdateObjective rewrites the descriptive fields of an objective. Roll-up
// fields and key results are owned by the engine and left untouched.
func (e *Engine) UpdateObjective(ctx context.Context, objectiveID, title, description string, category domain.ObjectiveCategory) error {
	if !domain.ValidCategory(category) {
		return fmt.Errorf("category %q: %w", category, domain.ErrInvalidState)
	}
	l := e.lockFor(objectiveID)
	l.Lock()
	defer l.Unlock()

	obj, err := e.getObjective(ctx, objectiveID)
	if err != nil {
		return err
	}
	obj.Title = title
	obj.Description = description
	obj.Category = category
	return e.saveObjective(ctx, obj)
}

// DeleteObjective removes an objective. Tasks keep their goal links; a link
// to a deleted objective simply stops triggering recalculation.
func (e *Engine) DeleteObjective(ctx context.Context, objectiveID string) error {
	return e.store.Delete(ctx, storage.Objectives, objectiveID)
}

// AddKeyResult appends a key result and refreshes the total weight.
func (e *Engine) AddKeyResult(ctx context.Context, objectiveID string, kr domain.KeyResult) (string, error) {
	l := e.lockFor(objectiveID)
	l.Lock()
	defer l.Unlock()

	obj, err := e.getObjective(ctx, objectiveID)
	if err != nil {
		return "", err
	}
	if kr.ID == "" {
		kr.ID = uuid.NewString()
	}
	kr.Normalize()
	obj.KeyResults = append(obj.KeyResults, kr)
	obj.TotalWeight = obj.SumWeights()
	if err := e.saveObjective(ctx, obj); err != nil {
		return "", err
	}
	return kr.ID, nil
}

// UpdateKeyResult replaces a key result in place, refreshes the total
// weight and rederives the progress from the new definition, so setting a
// metric's current value back to zero really resets it.
func (e *Engine) UpdateKeyResult(ctx context.Context, objectiveID string, kr domain.KeyResult) error {
	l := e.lockFor(objectiveID)
	l.Lock()
	defer l.Unlock()

	obj, err := e.getObjective(ctx, objectiveID)
	if err != nil {
		return err
	}
	existing := obj.KeyResult(kr.ID)
	if existing == nil {
		return fmt.Errorf("key result %s: %w", kr.ID, domain.ErrNotFound)
	}
	kr.Normalize()
	switch kr.Kind {
	case domain.KindMetric:
		kr.Progress = domain.MetricProgress(kr.CurrentValue, kr.TargetValue)
	case domain.KindTaskLinked:
		completed, total, err := e.countLinkedTasks(ctx, kr.LinkedTaskIDs)
		if err != nil {
			return err
		}
		kr.Progress = domain.TaskLinkedProgress(completed, total)
	}
	*existing = kr
	obj.TotalWeight = obj.SumWeights()
	return e.saveObjective(ctx, obj)
}

// DeleteKeyResult removes a key result and refreshes the total weight.
func (e *Engine) DeleteKeyResult(ctx context.Context, objectiveID, keyResultID string) error {
	l := e.lockFor(objectiveID)
	l.Lock()
	defer l.Unlock()

	obj, err := e.getObjective(ctx, objectiveID)
	if err != nil {
		return err
	}
	kept := obj.KeyResults[:0]
	for _, kr := range obj.KeyResults {
		if kr.ID != keyResultID {
			kept = append(kept, kr)
		}
	}
	obj.KeyResults = kept
	obj.TotalWeight = obj.SumWeights()
	return e.saveObjective(ctx, obj)
}

// RecalculateKeyResultProgress refreshes a task-linked key result from the
// live status of its linked tasks. Metric key results and empty links are a
// no-op. Linked tasks that no longer exist drop out of the denominator.
func (e *Engine) RecalculateKeyResultProgress(ctx context.Context, objectiveID, keyResultID string) error {
	l := e.lockFor(objectiveID)
	l.Lock()
	defer l.Unlock()
	return e.recalculateKeyResult(ctx, objectiveID, keyResultID)
}

func (e *Engine) recalculateKeyResult(ctx context.Context, objectiveID, keyResultID string) error {
	obj, err := e.getObjective(ctx, objectiveID)
	if err != nil {
		return err
	}
	kr := obj.KeyResult(keyResultID)
	if kr == nil {
		return fmt.Errorf("key result %s: %w", keyResultID, domain.ErrNotFound)
	}
	if kr.Kind != domain.KindTaskLinked || len(kr.LinkedTaskIDs) == 0 {
		e.logger.WithField("keyResultId", keyResultID).Debug("key result not task linked, skipping")
		return nil
	}

	completed, total, err := e.countLinkedTasks(ctx, kr.LinkedTaskIDs)
	if err != nil {
		return err
	}
	kr.Progress = domain.TaskLinkedProgress(completed, total)
	e.logger.WithFields(log.Fields{
		"objectiveId": objectiveID,
		"keyResultId": keyResultID,
		"completed":   completed,
		"total":       total,
		"progress":    kr.Progress,
	}).Info("key result progress recalculated")
	return e.saveObjective(ctx, obj)
}

// countLinkedTasks loads the surviving linked tasks; deleted ids simply do
// not come back from the query.
func (e *Engine) countLinkedTasks(ctx context.Context, linkedTaskIDs []string) (completed, total int, err error) {
	if len(linkedTaskIDs) == 0 {
		return 0, 0, nil
	}
	docs, err := e.store.Query(ctx, storage.Tasks, []storage.Filter{storage.In("id", linkedTaskIDs)}, "", 0)
	if err != nil {
		return 0, 0, fmt.Errorf("query linked tasks: %w", err)
	}
	for _, doc := range docs {
		var task domain.Task
		if err := sonic.Unmarshal(doc.Data, &task); err != nil {
			return 0, 0, fmt.Errorf("decode task %s: %w", doc.ID, err)
		}
		if task.Status == domain.TaskDone {
			completed++
		}
	}
	return completed, len(docs), nil
}

// RecalculateObjectiveProgress refreshes the weighted roll-up and derives the
// status. An objective without key results is left untouched.
func (e *Engine) RecalculateObjectiveProgress(ctx context.Context, objectiveID string) error {
	l := e.lockFor(objectiveID)
	l.Lock()
	defer l.Unlock()
	return e.recalculateObjective(ctx, objectiveID)
}

func (e *Engine) recalculateObjective(ctx context.Context, objectiveID string) error {
	obj, err := e.getObjective(ctx, objectiveID)
	if err != nil {
		return err
	}
	if len(obj.KeyResults) == 0 {
		e.logger.WithField("objectiveId", objectiveID).Debug("objective has no key results, skipping")
		return nil
	}
	score, totalWeight, percent := domain.WeightedProgress(obj.KeyResults)
	obj.WeightedScore = score
	obj.TotalWeight = totalWeight
	obj.ProgressPercent = percent
	obj.Status = domain.StatusFor(percent)
	e.logger.WithFields(log.Fields{
		"objectiveId":     objectiveID,
		"progressPercent": percent,
		"status":          obj.Status,
	}).Info("objective progress recalculated")
	return e.saveObjective(ctx, obj)
}

// UpdateManualMetric sets the current value of a metric key result and rolls
// the objective up. Calling it on a task-linked key result is an error.
func (e *Engine) UpdateManualMetric(ctx context.Context, objectiveID, keyResultID string, currentValue float64) error {
	l := e.lockFor(objectiveID)
	l.Lock()
	defer l.Unlock()

	obj, err := e.getObjective(ctx, objectiveID)
	if err != nil {
		return err
	}
	kr := obj.KeyResult(keyResultID)
	if kr == nil {
		return fmt.Errorf("key result %s: %w", keyResultID, domain.ErrNotFound)
	}
	if kr.Kind != domain.KindMetric {
		return fmt.Errorf("key result %s is not a metric: %w", keyResultID, domain.ErrInvalidState)
	}
	kr.CurrentValue = currentValue
	kr.Progress = domain.MetricProgress(currentValue, kr.TargetValue)
	if err := e.saveObjective(ctx, obj); err != nil {
		return err
	}
	return e.recalculateObjective(ctx, objectiveID)
}

// OnTaskStatusChanged is the cascade hook for task moves. Only moves into or
// out of the done column trigger a recalculation; the task's goal link names
// the key result, which is refreshed before the objective roll-up.
func (e *Engine) OnTaskStatusChanged(ctx context.Context, taskID string, oldStatus, newStatus domain.TaskStatus) error {
	if oldStatus != domain.TaskDone && newStatus != domain.TaskDone {
		return nil
	}
	doc, err := e.store.GetByID(ctx, storage.Tasks, taskID)
	if err != nil {
		return fmt.Errorf("task %s: %w", taskID, err)
	}
	var task domain.Task
	if err := sonic.Unmarshal(doc.Data, &task); err != nil {
		return fmt.Errorf("decode task %s: %w", taskID, err)
	}
	if task.GoalLink == nil {
		e.logger.WithField("taskId", taskID).Debug("task has no goal link, skipping")
		return nil
	}

	e.logger.WithFields(log.Fields{
		"taskId":      taskID,
		"objectiveId": task.GoalLink.ObjectiveID,
		"keyResultId": task.GoalLink.KeyResultID,
		"oldStatus":   oldStatus,
		"newStatus":   newStatus,
	}).Info("task status change triggers recalculation")

	l := e.lockFor(task.GoalLink.ObjectiveID)
	l.Lock()
	defer l.Unlock()
	if err := e.recalculateKeyResult(ctx, task.GoalLink.ObjectiveID, task.GoalLink.KeyResultID); err != nil {
		return err
	}
	return e.recalculateObjective(ctx, task.GoalLink.ObjectiveID)
}

// RecalculateProjectObjectives rebuilds every objective of a project, one at
// a time. The first failure aborts the run.
func (e *Engine) RecalculateProjectObjectives(ctx context.Context, projectID string) error {
	docs, err := e.store.Query(ctx, storage.Objectives, []storage.Filter{storage.Eq("projectId", projectID)}, "", 0)
	if err != nil {
		return fmt.Errorf("query project objectives: %w", err)
	}
	e.logger.WithFields(log.Fields{"projectId": projectID, "count": len(docs)}).Info("recalculating project objectives")

	for _, doc := range docs {
		var obj domain.Objective
		if err := sonic.Unmarshal(doc.Data, &obj); err != nil {
			return fmt.Errorf("decode objective %s: %w", doc.ID, err)
		}
		l := e.lockFor(doc.ID)
		l.Lock()
		for _, kr := range obj.KeyResults {
			if kr.Kind != domain.KindTaskLinked {
				continue
			}
			if err := e.recalculateKeyResult(ctx, doc.ID, kr.ID); err != nil {
				l.Unlock()
				return err
			}
		}
		err := e.recalculateObjective(ctx, doc.ID)
		l.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func decodeObjectives(docs []storage.Document) ([]domain.Objective, error) {
	objectives := make([]domain.Objective, 0, len(docs))
	for _, doc := range docs {
		var obj domain.Objective
		if err := sonic.Unmarshal(doc.Data, &obj); err != nil {
			return nil, fmt.Errorf("decode objective %s: %w", doc.ID, err)
		}
		obj.ID = doc.ID
		objectives = append(objectives, obj)
	}
	return objectives, nil
}
