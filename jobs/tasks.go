package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRBACReconcile restores missing catalog permissions and system roles.
	TaskRBACReconcile = "rbac:reconcile"
	// TaskGrantCacheResync forces every API process to drop cached grants.
	TaskGrantCacheResync = "rbac:cache_resync"
)

// ReconcilePayload configures a reconcile run.
type ReconcilePayload struct {
	// Resync also bumps the grant cache version when nothing was restored.
	Resync bool `json:"resync"`
}

// NewReconcileTask constructs a TaskRBACReconcile task.
func NewReconcileTask(payload ReconcilePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRBACReconcile, data), nil
}

// NewGrantCacheResyncTask constructs a TaskGrantCacheResync task.
func NewGrantCacheResyncTask() *asynq.Task {
	return asynq.NewTask(TaskGrantCacheResync, nil)
}
