package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeExtraction(t *testing.T) {
	err := NewSignalError(CodeForbidden, "not allowed")
	assert.Equal(t, CodeForbidden, Code(err))
	assert.True(t, IsCode(err, CodeForbidden))
	assert.False(t, IsCode(err, CodeJoinMissing))
	assert.Equal(t, "GROUPCALL_FORBIDDEN: not allowed", err.Error())
}

func TestCodeSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("join call: %w", NewSignalError(CodeSsrcDuplicate, ""))
	assert.True(t, IsCode(err, CodeSsrcDuplicate))
	assert.Equal(t, "join call: GROUPCALL_SSRC_DUPLICATE_MUCH", err.Error())
}

func TestCodeOnPlainError(t *testing.T) {
	assert.Equal(t, ErrorCode(""), Code(errors.New("dial tcp: refused")))
	assert.False(t, IsCode(errors.New("nope"), CodeForbidden))
	assert.Equal(t, ErrorCode(""), Code(nil))
}

func TestIsFloodMatchesFamily(t *testing.T) {
	assert.True(t, IsFlood(NewSignalError("FLOOD_WAIT_3", "")))
	assert.True(t, IsFlood(NewSignalError("FLOOD_WAIT_120", "")))
	assert.False(t, IsFlood(NewSignalError(CodeTimeTooBig, "")))
	assert.False(t, IsFlood(errors.New("FLOOD_WAIT_3")))
}
