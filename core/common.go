package core

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
)

// Action is the last segment of a baas route, one of add, save, update, del, delete,
// destroy, fetch, fetchAll or fetchPage
type Action string

// all supported route actions
const (
	ActionAdd       Action = "add"
	ActionSave      Action = "save"
	ActionUpdate    Action = "update"
	ActionDel       Action = "del"
	ActionDelete    Action = "delete"
	ActionDestroy   Action = "destroy"
	ActionFetch     Action = "fetch"
	ActionFetchAll  Action = "fetchAll"
	ActionFetchPage Action = "fetchPage"
)

// ActionGroup is the executor an action is dispatched to
type ActionGroup string

// all action groups
const (
	GroupSave   ActionGroup = "save"
	GroupDelete ActionGroup = "delete"
	GroupFetch  ActionGroup = "fetch"
)

type actionInfo struct {
	group  ActionGroup
	method string
}

var actions = map[Action]actionInfo{
	ActionAdd:       {GroupSave, http.MethodPost},
	ActionSave:      {GroupSave, http.MethodPost},
	ActionUpdate:    {GroupSave, http.MethodPost},
	ActionDel:       {GroupDelete, http.MethodGet},
	ActionDelete:    {GroupDelete, http.MethodGet},
	ActionDestroy:   {GroupDelete, http.MethodGet},
	ActionFetch:     {GroupFetch, http.MethodGet},
	ActionFetchAll:  {GroupFetch, http.MethodGet},
	ActionFetchPage: {GroupFetch, http.MethodGet},
}

// Actions returns all known actions in route order
func Actions() []Action {
	return []Action{
		ActionAdd, ActionSave, ActionUpdate,
		ActionDel, ActionDelete, ActionDestroy,
		ActionFetch, ActionFetchAll, ActionFetchPage,
	}
}

// ParseAction returns the action for a route segment
func ParseAction(s string) (Action, bool) {
	a := Action(s)
	_, ok := actions[a]
	return a, ok
}

// Group returns the executor group of the action
func (a Action) Group() ActionGroup {
	return actions[a].group
}

// Method returns the HTTP method the action is served on
func (a Action) Method() string {
	return actions[a].method
}

// Permission is an entry of a model's curd list
type Permission string

// all supported permissions
const (
	PermissionAdd    Permission = "add"
	PermissionUpdate Permission = "update"
	PermissionDelete Permission = "delete"
	PermissionFetch  Permission = "fetch"
)

// UnmarshalJSON is a custom JSON unmarshaller
func (p *Permission) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*p = Permission(s)
	switch *p {
	case PermissionAdd, PermissionUpdate, PermissionDelete, PermissionFetch:
		return nil
	default:
		return fmt.Errorf("%s is not valid Permission", s)
	}
}
