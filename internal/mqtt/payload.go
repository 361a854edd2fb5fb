package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrBadCommand reports a command payload that cannot be dispatched.
var ErrBadCommand = errors.New("mqtt: bad command")

// Command names accepted on the command topic.
const (
	CmdSetLightBrightness = "SetLightBrightness"
	CmdSetGroupBrightness = "SetGroupBrightness"
	CmdUpdateBusStatus    = "UpdateBusStatus"
	CmdRenameBus          = "RenameBus"
	CmdRenameLight        = "RenameLight"
	CmdRenameGroup        = "RenameGroup"
	CmdNewGroup           = "NewGroup"
	CmdAddToGroup         = "AddToGroup"
	CmdRemoveGroup        = "RemoveGroup"
	CmdRemoveFromGroup    = "RemoveFromGroup"
	CmdMatchGroup         = "MatchGroup"
	CmdFindAllLights      = "FindAllLights"
	CmdFindNewLights      = "FindNewLights"
	CmdQueryLightStatus   = "QueryLightStatus"
	CmdRemoveShortAddress = "RemoveShortAddress"
)

// commandEnvelope is the tagged JSON shape of every command payload. Which
// fields are required depends on the command.
type commandEnvelope struct {
	Command     string  `json:"command"`
	Bus         *int    `json:"bus,omitempty"`
	Address     *uint8  `json:"address,omitempty"`
	Group       *uint8  `json:"group,omitempty"`
	Level       *uint8  `json:"level,omitempty"`
	Description *string `json:"description,omitempty"`
	Members     []uint8 `json:"members,omitempty"`
}

// requiredFields maps each command to the envelope fields it needs beyond
// the bus number, which every command carries.
var requiredFields = map[string][]string{
	CmdSetLightBrightness: {"address", "level"},
	CmdSetGroupBrightness: {"group", "level"},
	CmdUpdateBusStatus:    {},
	CmdRenameBus:          {"description"},
	CmdRenameLight:        {"address", "description"},
	CmdRenameGroup:        {"group", "description"},
	CmdNewGroup:           {"description"},
	CmdAddToGroup:         {"group", "address"},
	CmdRemoveGroup:        {"group"},
	CmdRemoveFromGroup:    {"group", "address"},
	CmdMatchGroup:         {"group", "members"},
	CmdFindAllLights:      {},
	CmdFindNewLights:      {},
	CmdQueryLightStatus:   {"address"},
	CmdRemoveShortAddress: {"address"},
}

// parseCommand decodes and validates a command payload.
func parseCommand(payload []byte) (commandEnvelope, error) {
	var env commandEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrBadCommand, err)
	}
	fields, ok := requiredFields[env.Command]
	if !ok {
		return env, fmt.Errorf("%w: unknown command %q", ErrBadCommand, env.Command)
	}
	if env.Bus == nil {
		return env, fmt.Errorf("%w: %s missing bus", ErrBadCommand, env.Command)
	}
	for _, f := range fields {
		missing := false
		switch f {
		case "address":
			missing = env.Address == nil
		case "group":
			missing = env.Group == nil
		case "level":
			missing = env.Level == nil
		case "description":
			missing = env.Description == nil
		case "members":
			missing = env.Members == nil
		}
		if missing {
			return env, fmt.Errorf("%w: %s missing %s", ErrBadCommand, env.Command, f)
		}
	}
	return env, nil
}

// replyTopic is the topic suffix query replies are published on, relative
// to the controller prefix.
func (e commandEnvelope) replyTopic() string {
	topic := fmt.Sprintf("reply/%s/bus%d", e.Command, *e.Bus)
	if e.Address != nil {
		topic += fmt.Sprintf("/addr%d", *e.Address)
	} else if e.Group != nil {
		topic += fmt.Sprintf("/group%d", *e.Group)
	}
	return topic
}
