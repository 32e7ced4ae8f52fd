package baas

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/baas/core"
	"github.com/relabs-tech/baas/core/logger"
	"github.com/relabs-tech/baas/core/query"
	"github.com/relabs-tech/baas/core/store"
)

func forbidden(req *request, permission core.Permission) error {
	return core.NewError(core.KindForbidden,
		fmt.Sprintf("model %s does not permit %s", req.model.Name, permission))
}

// save inserts or updates the body. Injected fields win over the body.
func (b *Backend) save(ctx context.Context, req *request) (interface{}, error) {
	table := b.store.Table(req.model.Name)
	_, isUpdate := store.Identifier(table, req.body)
	permission, operation := core.PermissionAdd, core.OperationCreate
	if isUpdate {
		permission, operation = core.PermissionUpdate, core.OperationUpdate
	}
	if !req.model.Permits(permission) {
		return nil, forbidden(req, permission)
	}

	payload := make(store.Row, len(req.body)+len(req.injected))
	for k, v := range req.body {
		payload[k] = v
	}
	for k, v := range req.injected {
		payload[k] = v
	}
	row, err := b.store.Save(ctx, table.Name, payload, req.injected)
	if err != nil {
		return nil, err
	}
	b.notify(ctx, req, operation, row)
	return row, nil
}

// delete deletes all rows matching the request and returns them
func (b *Backend) delete(ctx context.Context, req *request) (interface{}, error) {
	if !req.model.Permits(core.PermissionDelete) {
		return nil, forbidden(req, core.PermissionDelete)
	}
	hard, err := flag(req, "forceDelete")
	if err != nil {
		return nil, err
	}
	plan, err := query.Build(req.model.Name, req.injected, req.filter)
	if err != nil {
		return nil, err
	}
	rows, err := b.store.FetchAll(ctx, plan)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, core.NewError(core.KindNotFound, "no matching rows to delete")
	}
	if err := b.store.Delete(ctx, plan.Table, rows, hard); err != nil {
		return nil, err
	}
	b.notify(ctx, req, core.OperationDelete, rows)
	return rows, nil
}

// fetch reads rows and signs the result if the model names an auth scheme
func (b *Backend) fetch(ctx context.Context, req *request) (interface{}, error) {
	if !req.model.Permits(core.PermissionFetch) {
		return nil, forbidden(req, core.PermissionFetch)
	}
	withDeleted, err := flag(req, "deleted")
	if err != nil {
		return nil, err
	}
	plan, err := query.Build(req.model.Name, req.injected, req.filter)
	if err != nil {
		return nil, err
	}
	plan.WithDeleted = withDeleted

	var result interface{}
	switch req.action {
	case core.ActionFetch:
		plan.Limit = 1
		rows, err := b.store.FetchAll(ctx, plan)
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			result = rows[0]
		}
	case core.ActionFetchAll:
		rows, err := b.store.FetchAll(ctx, plan)
		if err != nil {
			return nil, err
		}
		result = rows
	case core.ActionFetchPage:
		page, err := intParameter(req, "page", 1)
		if err != nil {
			return nil, err
		}
		pageSize, err := intParameter(req, "pageSize", 0)
		if err != nil {
			return nil, err
		}
		if pageSize < 1 {
			return nil, core.NewError(core.KindBadRequest, "pageSize is required")
		}
		result, err = b.store.FetchPage(ctx, plan, page, pageSize)
		if err != nil {
			return nil, err
		}
	}

	if req.model.Auth == "" {
		return result, nil
	}
	scheme, ok := req.module.Scheme(req.model.Auth)
	if !ok {
		logger.FromContext(ctx).Errorf("Error 4903: model %s signs with unknown auth scheme %s", req.model.Name, req.model.Auth)
		return nil, core.Unauthorized(fmt.Errorf("unknown auth scheme %s", req.model.Auth))
	}
	return b.signer.Sign(result, scheme)
}

// notify announces a committed mutation. Failures are logged, the mutation
// stands.
func (b *Backend) notify(ctx context.Context, req *request, operation core.Operation, payload interface{}) {
	if b.notifier == nil {
		return
	}
	rlog := logger.FromContext(ctx)
	data, err := json.Marshal(payload)
	if err != nil {
		rlog.WithError(err).Errorf("Error 4904: cannot encode notification")
		return
	}
	err = b.notifier.Notify(ctx, core.Notification{
		Module:    req.module.Name,
		Class:     req.class.Name,
		Model:     req.model.Name,
		Operation: operation,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		rlog.WithError(err).Errorf("Error 4905: cannot notify %s of %s", operation, req.model.Name)
	}
}

func flag(req *request, name string) (bool, error) {
	values := req.query[name]
	if len(values) == 0 || values[0] == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(values[0])
	if err != nil {
		return false, core.NewError(core.KindBadRequest, fmt.Sprintf("%s must be a boolean", name))
	}
	return v, nil
}

func intParameter(req *request, name string, defaultValue int) (int, error) {
	values := req.query[name]
	if len(values) == 0 || values[0] == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(values[0])
	if err != nil || v < 1 {
		return 0, core.NewError(core.KindBadRequest, fmt.Sprintf("%s must be a positive integer", name))
	}
	return v, nil
}
