package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCall(t *testing.T) {
	call := NewCall(MethodApply, nil)
	assert.NotNil(t, call.Args)
	assert.Nil(t, call.Arg(ArgConnectDB))

	call = NewCall(MethodApply, map[string]any{ArgConnectDB: map[string]any{"port": "xxx"}})
	assert.Equal(t, map[string]any{"port": "xxx"}, call.Arg(ArgConnectDB))

	var nilCall *Call
	assert.Nil(t, nilCall.Arg(ArgConnectDB))
}

func TestIsKnown(t *testing.T) {
	for _, m := range []string{"state", "apply", "update", "delete", "agent_state", "version"} {
		assert.True(t, IsKnown(m), m)
	}
	assert.False(t, IsKnown("cleanup"))
	assert.False(t, IsKnown(""))
}
