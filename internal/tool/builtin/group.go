package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/capstan-dev/capstan/internal/chat"
	"github.com/capstan-dev/capstan/internal/tool"
)

func registerGroupTools(r *tool.Registry, deps *HostDeps, meta tool.Meta) {
	r.MustRegister(&tool.Tool{
		Name:        "group__add",
		Description: "Assign a session to a group, removing it from any other group.",
		Parameters: objectSchema([]string{"group", "session"}, map[string]any{
			"group":   stringProp("group name"),
			"session": intProp("session id"),
		}),
		Meta:    meta,
		Handler: deps.groupAdd,
	})
	r.MustRegister(&tool.Tool{
		Name:        "group__remove",
		Description: "Remove a session from a group.",
		Parameters: objectSchema([]string{"group", "session"}, map[string]any{
			"group":   stringProp("group name"),
			"session": intProp("session id"),
		}),
		Meta:    meta,
		Handler: deps.groupRemove,
	})
	r.MustRegister(&tool.Tool{
		Name:        "group__list",
		Description: "List groups and their members.",
		Meta:        meta,
		Handler:     deps.groupList,
	})
	r.MustRegister(&tool.Tool{
		Name:        "group__delete",
		Description: "Delete a group. Members are not touched.",
		Parameters: objectSchema([]string{"group"}, map[string]any{
			"group": stringProp("group name"),
		}),
		Meta:    meta,
		Handler: deps.groupDelete,
	})
	r.MustRegister(&tool.Tool{
		Name:        "group__send",
		Description: "Send a message to every session in a group.",
		Parameters: objectSchema([]string{"group", "text"}, map[string]any{
			"group": stringProp("group name"),
			"text":  stringProp("message text"),
		}),
		Meta:    meta,
		Handler: deps.groupSend,
	})
}

func (d *HostDeps) groupAdd(ctx context.Context, call *tool.Call) tool.Outcome {
	name := argFirst(call, "group", 0)
	id, err := argInt(call, "session", 1)
	if err != nil {
		return tool.Failure(err.Error())
	}
	if _, err := d.Sessions.Get(id); err != nil {
		return tool.Failure(err.Error())
	}
	if err := d.Groups.Assign(name, id); err != nil {
		return tool.Failure(err.Error())
	}
	return tool.Success(fmt.Sprintf("session %d added to group %s", id, name))
}

func (d *HostDeps) groupRemove(ctx context.Context, call *tool.Call) tool.Outcome {
	name := argFirst(call, "group", 0)
	id, err := argInt(call, "session", 1)
	if err != nil {
		return tool.Failure(err.Error())
	}
	if err := d.Groups.Unassign(name, id); err != nil {
		return tool.Failure(err.Error())
	}
	return tool.Success(fmt.Sprintf("session %d removed from group %s", id, name))
}

func (d *HostDeps) groupList(ctx context.Context, call *tool.Call) tool.Outcome {
	names, err := d.Groups.List()
	if err != nil {
		return tool.Failure(err.Error())
	}
	groups := make([]map[string]any, 0, len(names))
	for _, name := range names {
		g, err := d.Groups.Get(name)
		if err != nil {
			continue
		}
		groups = append(groups, map[string]any{
			"group":    name,
			"sessions": g.Spec.Sessions,
		})
	}
	return tool.Success(groups)
}

func (d *HostDeps) groupDelete(ctx context.Context, call *tool.Call) tool.Outcome {
	name := argFirst(call, "group", 0)
	if err := d.Groups.Delete(name); err != nil {
		return tool.Failure(err.Error())
	}
	return tool.Success(fmt.Sprintf("group %s deleted", name))
}

func (d *HostDeps) groupSend(ctx context.Context, call *tool.Call) tool.Outcome {
	name := argFirst(call, "group", 0)
	text, _ := call.Args["text"].(string)
	if text == "" && len(call.Positional) > 1 {
		text = strings.Join(call.Positional[1:], " ")
	}
	if text == "" {
		return tool.Failure("no message text given")
	}

	g, err := d.Groups.Get(name)
	if err != nil {
		return tool.Failure(err.Error())
	}

	var delivered []int
	var failures []string
	for _, id := range g.Spec.Sessions {
		s, err := d.Sessions.Get(id)
		if err != nil {
			failures = append(failures, fmt.Sprintf("session %d: %v", id, err))
			continue
		}
		s.AppendMessage(chat.UserMessage(text))
		if err := d.Sessions.Put(s); err != nil {
			failures = append(failures, fmt.Sprintf("session %d: %v", id, err))
			continue
		}
		delivered = append(delivered, id)
	}
	result := map[string]any{"delivered": delivered}
	if len(failures) > 0 {
		result["failures"] = failures
	}
	return tool.Success(result)
}
