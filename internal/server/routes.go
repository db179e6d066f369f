package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"taskdesk/internal/domain"
	"taskdesk/internal/engine"
	"taskdesk/internal/repo"
)

var mutationErrors = []int{
	http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound,
	http.StatusConflict, http.StatusUnprocessableEntity,
}

type taskPath struct {
	TaskID string `path:"task_id"`
}

func registerTasks(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, in *struct {
		Body CreateTaskRequest
	}) (*TaskOutput, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		req := in.Body
		opts := engine.TaskCreateOptions{
			ID:                          deref(req.ID),
			OrgID:                       deref(req.OrgID),
			Title:                       req.Title,
			AssigneeID:                  deref(req.AssigneeID),
			ScheduledFor:                req.ScheduledFor,
			ScheduledNotificationPeriod: req.ScheduledNotificationPeriod,
			LabelIDs:                    req.LabelIDs,
			SkipNotify:                  req.SkipNotify,
		}
		if req.Status != nil {
			status, err := domain.ParseTaskStatus(*req.Status)
			if err != nil {
				return nil, h.handleError(err)
			}
			opts.Status = status
		}
		if req.Priority != nil {
			opts.Priority = domain.Priority(*req.Priority)
		}
		t, cerr := h.engine.CreateTask(ctx, actor, opts)
		if cerr != nil {
			return nil, h.handleError(cerr)
		}
		return &TaskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, in *struct {
		OrgID      string `query:"org_id"`
		Status     string `query:"status"`
		AssigneeID string `query:"assignee_id"`
		Unassigned bool   `query:"unassigned"`
		Limit      int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*TaskListOutput, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		f := repo.TaskFilters{
			OrgID:      in.OrgID,
			AssigneeID: in.AssigneeID,
			Unassigned: in.Unassigned,
			Limit:      in.Limit,
		}
		if in.Status != "" {
			status, err := domain.ParseTaskStatus(in.Status)
			if err != nil {
				return nil, h.handleError(err)
			}
			f.Status = status
		}
		tasks, lerr := h.engine.ListTasks(ctx, actor, f)
		if lerr != nil {
			return nil, h.handleError(lerr)
		}
		out := &TaskListOutput{}
		out.Body.Items = tasks
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, in *taskPath) (*TaskOutput, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		t, gerr := h.engine.GetTask(ctx, actor, in.TaskID)
		if gerr != nil {
			return nil, h.handleError(gerr)
		}
		return &TaskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-delays",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/delays",
		Summary:     "List task delays",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, in *taskPath) (*DelayListOutput, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		delays, lerr := h.engine.ListDelays(ctx, actor, in.TaskID)
		if lerr != nil {
			return nil, h.handleError(lerr)
		}
		out := &DelayListOutput{}
		out.Body.Items = delays
		return out, nil
	})
}

// taskAction registers a task mutation. The engine call is retried when it
// loses a concurrent-write race.
func taskAction[I any](api huma.API, h handlers, op huma.Operation, taskID func(*I) string,
	call func(ctx context.Context, actor domain.Actor, taskID string, in *I) (domain.Task, error)) {
	op.Method = http.MethodPost
	op.Errors = mutationErrors
	huma.Register(api, op, func(ctx context.Context, in *I) (*TaskOutput, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		t, rerr := retry(ctx, func(ctx context.Context) (domain.Task, error) {
			return call(ctx, actor, taskID(in), in)
		})
		if rerr != nil {
			return nil, h.handleError(rerr)
		}
		return &TaskOutput{Body: t}, nil
	})
}

type transitionInput struct {
	TaskID string `path:"task_id"`
	Body   TransitionRequest
}

type assignInput struct {
	TaskID string `path:"task_id"`
	Body   AssignRequest
}

type priorityInput struct {
	TaskID string `path:"task_id"`
	Body   PriorityRequest
}

type delayInput struct {
	TaskID string `path:"task_id"`
	Body   DelayRequest
}

func registerTaskActions(api huma.API, h handlers) {
	pathOf := func(in *taskPath) string { return in.TaskID }

	taskAction(api, h, huma.Operation{
		OperationID: "transition-task",
		Path:        "/tasks/{task_id}/transition",
		Summary:     "Move a task to another status",
	}, func(in *transitionInput) string { return in.TaskID },
		func(ctx context.Context, actor domain.Actor, id string, in *transitionInput) (domain.Task, error) {
			status, err := domain.ParseTaskStatus(in.Body.Status)
			if err != nil {
				return domain.Task{}, err
			}
			return h.engine.Transition(ctx, actor, id, status)
		})

	taskAction(api, h, huma.Operation{
		OperationID: "assign-task",
		Path:        "/tasks/{task_id}/assign",
		Summary:     "Assign or reassign a task",
	}, func(in *assignInput) string { return in.TaskID },
		func(ctx context.Context, actor domain.Actor, id string, in *assignInput) (domain.Task, error) {
			notify := in.Body.Notify == nil || *in.Body.Notify
			return h.engine.Assign(ctx, actor, id, in.Body.AssigneeID, notify)
		})

	taskAction(api, h, huma.Operation{
		OperationID: "unassign-task",
		Path:        "/tasks/{task_id}/unassign",
		Summary:     "Remove the assignee of a READY task",
	}, pathOf, func(ctx context.Context, actor domain.Actor, id string, _ *taskPath) (domain.Task, error) {
		return h.engine.Unassign(ctx, actor, id)
	})

	taskAction(api, h, huma.Operation{
		OperationID: "end-task-delay",
		Path:        "/tasks/{task_id}/end-delay",
		Summary:     "Return a delayed task to IN_PROGRESS",
	}, pathOf, func(ctx context.Context, actor domain.Actor, id string, _ *taskPath) (domain.Task, error) {
		return h.engine.EndDelay(ctx, actor, id)
	})

	taskAction(api, h, huma.Operation{
		OperationID: "drop-task",
		Path:        "/tasks/{task_id}/drop",
		Summary:     "Give a task back to the pool",
	}, pathOf, func(ctx context.Context, actor domain.Actor, id string, _ *taskPath) (domain.Task, error) {
		return h.engine.Drop(ctx, actor, id)
	})

	taskAction(api, h, huma.Operation{
		OperationID: "set-task-priority",
		Path:        "/tasks/{task_id}/priority",
		Summary:     "Change task priority",
	}, func(in *priorityInput) string { return in.TaskID },
		func(ctx context.Context, actor domain.Actor, id string, in *priorityInput) (domain.Task, error) {
			return h.engine.ChangePriority(ctx, actor, id, domain.Priority(in.Body.Priority))
		})

	huma.Register(api, huma.Operation{
		OperationID: "delay-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/delay",
		Summary:     "Delay a task",
		Errors:      mutationErrors,
	}, func(ctx context.Context, in *delayInput) (*DelayOutput, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		req := engine.DelayRequest{DelayFor: in.Body.DelayFor, Reason: deref(in.Body.Reason), Snoozed: in.Body.Snoozed}
		type result struct {
			task  domain.Task
			delay domain.DelayedTask
		}
		res, rerr := retry(ctx, func(ctx context.Context) (result, error) {
			t, d, err := h.engine.Delay(ctx, actor, in.TaskID, req)
			return result{t, d}, err
		})
		if rerr != nil {
			return nil, h.handleError(rerr)
		}
		out := &DelayOutput{}
		out.Body.Task = res.task
		out.Body.Delay = res.delay
		return out, nil
	})
}

func registerOrg(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Add a user to an organisation",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, in *struct {
		Body CreateUserRequest
	}) (*UserOutput, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		u, cerr := h.engine.AddUser(ctx, actor, engine.NewUser{
			ID:    in.Body.ID,
			OrgID: deref(in.Body.OrgID),
			Role:  in.Body.Role,
			Name:  deref(in.Body.Name),
			Email: deref(in.Body.Email),
		})
		if cerr != nil {
			return nil, h.handleError(cerr)
		}
		return &UserOutput{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-user-role",
		Method:      http.MethodPut,
		Path:        "/users/{user_id}/role",
		Summary:     "Change a user's role",
		Errors:      mutationErrors,
	}, func(ctx context.Context, in *struct {
		UserID string `path:"user_id"`
		Body   RoleRequest
	}) (*UserOutput, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		u, serr := h.engine.SetUserRole(ctx, actor, in.UserID, in.Body.Role)
		if serr != nil {
			return nil, h.handleError(serr)
		}
		return &UserOutput{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-label",
		Method:        http.MethodPost,
		Path:          "/labels",
		Summary:       "Create label",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, in *struct {
		Body CreateLabelRequest
	}) (*LabelOutput, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		l, cerr := h.engine.CreateLabel(ctx, actor, deref(in.Body.OrgID), in.Body.Name)
		if cerr != nil {
			return nil, h.handleError(cerr)
		}
		return &LabelOutput{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Read the audit trail",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, in *struct {
		OrgID      string `query:"org_id"`
		ActorID    string `query:"actor_id"`
		Resource   string `query:"resource"`
		ResourceID string `query:"resource_id"`
		Limit      int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*AuditListOutput, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		entries, lerr := h.engine.ListAudit(ctx, actor, repo.AuditFilters{
			OrgID:      in.OrgID,
			ActorID:    in.ActorID,
			Resource:   in.Resource,
			ResourceID: in.ResourceID,
			Limit:      in.Limit,
		})
		if lerr != nil {
			return nil, h.handleError(lerr)
		}
		out := &AuditListOutput{}
		out.Body.Items = entries
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-activity",
		Method:      http.MethodGet,
		Path:        "/activity",
		Summary:     "Recent domain events",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, in *struct {
		OrgID string `query:"org_id"`
		Limit int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*ActivityListOutput, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		items, lerr := h.engine.ListActivity(ctx, actor, in.OrgID, in.Limit)
		if lerr != nil {
			return nil, h.handleError(lerr)
		}
		out := &ActivityListOutput{}
		out.Body.Items = items
		return out, nil
	})
}
