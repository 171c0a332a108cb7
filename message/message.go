// Package message defines the RPC call exchanged between the controller and its agents.
//
// A Call is the request half of one invocation. On the wire it is a flat JSON object:
// the method name sits next to the call-specific arguments,
//
//	{"method": "update", "connect_db_update": {"table": "secgroup", "key": "...", "value": "..."}}
//
// The reply half is any JSON value produced by the agent's handler and is not wrapped.
package message

// Verbs recognized by both sides.
const (
	MethodState  = "state"
	MethodApply  = "apply"
	MethodUpdate = "update"
	MethodDelete = "delete"

	// Older agents still speak these.
	MethodAgentState = "agent_state"
	MethodVersion    = "version"
)

// Argument keys, one per verb.
const (
	ArgServerConf      = "server_conf"
	ArgConnectDB       = "connect_db"
	ArgConnectDBUpdate = "connect_db_update"
	ArgConnectDBDelete = "connect_db_delete"
)

// MethodKey is the reserved key carrying the method name in an encoded call.
const MethodKey = "method"

// Call carries the data for a single RPC request.
//
//   - Method names one verb, e.g. "apply".
//   - Args holds the keyword arguments handed to the verb's handler.
type Call struct {
	Method string
	Args   map[string]any
}

// NewCall returns a call for method. A nil args map is replaced by an empty one.
func NewCall(method string, args map[string]any) *Call {
	if args == nil {
		args = make(map[string]any)
	}
	return &Call{Method: method, Args: args}
}

// Arg returns the named argument, or nil when the caller did not send it.
func (c *Call) Arg(name string) any {
	if c == nil || c.Args == nil {
		return nil
	}
	return c.Args[name]
}

// IsKnown reports whether method is one of the protocol verbs, aliases included.
func IsKnown(method string) bool {
	switch method {
	case MethodState, MethodApply, MethodUpdate, MethodDelete, MethodAgentState, MethodVersion:
		return true
	}
	return false
}
