package models

// State is a connector state machine state.
type State string

const (
	StateDiscover                  State = "DISCOVER"
	StateWaitForConnectButtonPress State = "WAIT_FOR_CONNECT_BUTTON_PRESS"
	StateConnectButtonIsPressed    State = "CONNECT_BUTTON_IS_PRESSED"
	StateWaitForServer             State = "WAIT_FOR_SERVER"
	StateReconnect                 State = "RECONNECT"
	StateWaitForCmd                State = "WAIT_FOR_CMD"
	StateWaitUpload                State = "WAIT_UPLOAD"
	StateWaitExecution             State = "WAIT_EXECUTION"
	StateDisconnect                State = "DISCONNECT"
	StateUpdateSuccess             State = "UPDATE_SUCCESS"
	StateUpdateFail                State = "UPDATE_FAIL"
	StateErrorHTTP                 State = "ERROR_HTTP"
	StateErrorUpdate               State = "ERROR_UPDATE"
	StateErrorBrick                State = "ERROR_BRICK"
	StateErrorDownload             State = "ERROR_DOWNLOAD"
	StateErrorUploadToRobot        State = "ERROR_UPLOAD_TO_ROBOT"
	StateTokenTimeout              State = "TOKEN_TIMEOUT"
)

// States returns all states in declaration order.
func States() []State {
	return []State{
		StateDiscover, StateWaitForConnectButtonPress, StateConnectButtonIsPressed,
		StateWaitForServer, StateReconnect, StateWaitForCmd, StateWaitUpload,
		StateWaitExecution, StateDisconnect, StateUpdateSuccess, StateUpdateFail,
		StateErrorHTTP, StateErrorUpdate, StateErrorBrick, StateErrorDownload,
		StateErrorUploadToRobot, StateTokenTimeout,
	}
}

// IsError reports whether s is a failure notification. Such states are
// announced and immediately followed by DISCOVER.
func (s State) IsError() bool {
	switch s {
	case StateErrorHTTP, StateErrorUpdate, StateErrorBrick, StateErrorDownload,
		StateErrorUploadToRobot, StateTokenTimeout, StateUpdateFail:
		return true
	}
	return false
}

// Connected reports whether the robot holds a registered session.
func (s State) Connected() bool {
	switch s {
	case StateWaitForCmd, StateWaitUpload, StateWaitExecution:
		return true
	}
	return false
}
