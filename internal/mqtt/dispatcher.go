package mqtt

import (
	"context"
	"log/slog"

	"dali-go-bridge/internal/manager"
)

// Result is the outcome of one dispatched command: the status string for
// the status topic and, for commands that produce data, a reply payload
// and the topic suffix it belongs on.
type Result struct {
	Command    string
	ReplyTopic string
	Reply      interface{}
	Err        error
}

// Status is "OK" or the error text.
func (r Result) Status() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	return "OK"
}

// Dispatcher maps command payloads onto manager operations. It owns no
// transport; the bridge feeds it and publishes what comes back.
type Dispatcher struct {
	manager *manager.Manager
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher over the manager.
func NewDispatcher(m *manager.Manager, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{manager: m, logger: logger.With("component", "dispatcher")}
}

// Handle parses and executes one command payload.
func (d *Dispatcher) Handle(ctx context.Context, payload []byte) Result {
	env, err := parseCommand(payload)
	if err != nil {
		return Result{Command: env.Command, Err: err}
	}
	res := d.execute(ctx, env)
	if res.Err != nil {
		d.logger.Warn("command failed", "command", env.Command, "err", res.Err)
	} else {
		d.logger.Info("command handled", "command", env.Command, "bus", *env.Bus)
	}
	return res
}

func (d *Dispatcher) execute(ctx context.Context, env commandEnvelope) Result {
	res := Result{Command: env.Command}
	busNum := *env.Bus

	switch env.Command {
	case CmdSetLightBrightness:
		res.Err = d.manager.SetLightBrightness(ctx, busNum, *env.Address, *env.Level)

	case CmdSetGroupBrightness:
		res.Err = d.manager.SetGroupBrightness(ctx, busNum, *env.Group, *env.Level)

	case CmdUpdateBusStatus:
		st, err := d.manager.BusStatus(ctx, busNum)
		res.Err = err
		if err == nil {
			res.ReplyTopic = env.replyTopic()
			res.Reply = map[string]interface{}{"bus": busNum, "status": st.String()}
		}

	case CmdRenameBus:
		res.Err = d.manager.RenameBus(busNum, *env.Description)

	case CmdRenameLight:
		res.Err = d.manager.RenameLight(busNum, *env.Address, *env.Description)

	case CmdRenameGroup:
		res.Err = d.manager.RenameGroup(busNum, *env.Group, *env.Description)

	case CmdNewGroup:
		group, err := d.manager.NewGroup(busNum, *env.Description)
		res.Err = err
		if err == nil {
			res.ReplyTopic = env.replyTopic()
			res.Reply = map[string]interface{}{"bus": busNum, "group": group}
		}

	case CmdAddToGroup:
		res.Err = d.manager.AddToGroup(ctx, busNum, *env.Group, *env.Address)

	case CmdRemoveGroup:
		res.Err = d.manager.RemoveGroup(ctx, busNum, *env.Group)

	case CmdRemoveFromGroup:
		res.Err = d.manager.RemoveFromGroup(ctx, busNum, *env.Group, *env.Address)

	case CmdMatchGroup:
		res.Err = d.manager.MatchGroup(ctx, busNum, *env.Group, env.Members)

	case CmdFindAllLights:
		found, err := d.manager.FindAllLights(ctx, busNum)
		res.Err = err
		res.ReplyTopic = env.replyTopic()
		res.Reply = discoveryReply(busNum, found, err)

	case CmdFindNewLights:
		found, err := d.manager.FindNewLights(ctx, busNum)
		res.Err = err
		res.ReplyTopic = env.replyTopic()
		res.Reply = discoveryReply(busNum, found, err)

	case CmdQueryLightStatus:
		st, err := d.manager.QueryLightStatus(ctx, busNum, *env.Address)
		res.Err = err
		if err == nil {
			res.ReplyTopic = env.replyTopic()
			res.Reply = st
		}

	case CmdRemoveShortAddress:
		res.Err = d.manager.RemoveShortAddress(ctx, busNum, *env.Address)
	}
	return res
}

// discoveryReply carries the commissioned addresses even when the session
// aborted part-way.
func discoveryReply(busNum int, found []uint8, err error) map[string]interface{} {
	if found == nil {
		found = []uint8{}
	}
	reply := map[string]interface{}{"bus": busNum, "found": found}
	if err != nil {
		reply["error"] = err.Error()
	}
	return reply
}
