// Package protocol implements the long-poll exchange between the agent and
// the programming server.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Endpoints on the programming server.
const (
	EndpointPush     = "/rest/pushcmd"
	EndpointDownload = "/rest/download"
	EndpointUpdate   = "/rest/update/"
)

// Command is the value of the "cmd" field.
type Command string

// Commands sent by the agent.
const (
	CmdRegister Command = "register"
	CmdPush     Command = "push"
)

// Commands sent by the server.
const (
	CmdRepeat        Command = "repeat"
	CmdAbort         Command = "abortNAO"
	CmdUpdate        Command = "update"
	CmdDownload      Command = "download"
	CmdConfiguration Command = "configuration"
)

// Payload field names.
const (
	KeyToken           = "token"
	KeyCmd             = "cmd"
	KeyFirmwareName    = "firmwarename"
	KeyFirmwareVersion = "firmwareversion"
	KeyRobot           = "robot"
	KeyBrickName       = "brickname"
	KeyMacAddr         = "macaddr"
	KeyBattery         = "battery"
	KeyMenuVersion     = "menuversion"
)

// Payload is the JSON object sent to the server. Keys beyond the common
// ones are family specific and forwarded untouched.
type Payload map[string]any

// Clone returns a shallow copy of p.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// With returns a copy of p with key set to value.
func (p Payload) With(key string, value any) Payload {
	out := p.Clone()
	out[key] = value
	return out
}

// Token returns the registration token field, if any.
func (p Payload) Token() string {
	s, _ := p[KeyToken].(string)
	return s
}

// Response is a decoded server reply.
type Response struct {
	Cmd Command
	// Fields holds the whole decoded object, including cmd.
	Fields map[string]any
}

func decodeResponse(endpoint string, body []byte) (Response, error) {
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return Response{}, &ProtocolError{Endpoint: endpoint, Msg: "invalid JSON reply", Err: err}
	}
	cmd, ok := fields[KeyCmd].(string)
	if !ok {
		return Response{}, &ProtocolError{Endpoint: endpoint, Msg: fmt.Sprintf("reply has no %q field", KeyCmd)}
	}
	return Response{Cmd: Command(cmd), Fields: fields}, nil
}

// Program is a binary downloaded from the server.
type Program struct {
	Name string
	Data []byte
}
