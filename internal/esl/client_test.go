package esl

import (
	"bufio"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFrameHeadersOnly(t *testing.T) {
	raw := "Content-Type: auth/request\n\n"
	f, err := readFrame(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	assert.Equal(t, "auth/request", f.headers["Content-Type"])
	assert.Empty(t, f.body)
}

func TestReadFrameWithBody(t *testing.T) {
	body := "Event-Name: CHANNEL_ANSWER\nUnique-ID: abc-123\n"
	raw := "Content-Type: text/event-plain\nContent-Length: " +
		strconv.Itoa(len(body)) + "\n\n" + body
	f, err := readFrame(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	assert.Equal(t, "text/event-plain", f.headers["Content-Type"])
	assert.Equal(t, body, f.body)
}

func TestReadFrameSkipsBlankKeepAliveLines(t *testing.T) {
	raw := "\n\nContent-Type: command/reply\nReply-Text: +OK accepted\n\n"
	f, err := readFrame(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	assert.Equal(t, "+OK accepted", f.headers["Reply-Text"])
}

func TestReadFrameBadContentLength(t *testing.T) {
	raw := "Content-Type: text/event-plain\nContent-Length: nope\n\n"
	_, err := readFrame(bufio.NewReader(strings.NewReader(raw)))
	assert.Error(t, err)
}

func TestParseEvent(t *testing.T) {
	body := strings.Join([]string{
		"Event-Name: CHANNEL_HANGUP_COMPLETE",
		"Unique-ID: uuid-1",
		"Hangup-Cause: USER_BUSY",
		"variable_dialcore_call_id: call-1",
		"variable_dialcore_campaign_id: camp-1",
		"",
	}, "\n")

	ev := parseEvent(body)
	assert.Equal(t, "CHANNEL_HANGUP_COMPLETE", ev.Name)
	assert.Equal(t, "uuid-1", ev.UUID())
	assert.Equal(t, "USER_BUSY", ev.Get("Hangup-Cause"))
	assert.Equal(t, "call-1", ev.Var(VarCallID))
	assert.Equal(t, "camp-1", ev.Var(VarCampaignID))
	assert.Empty(t, ev.Var(VarAgentID))
}

func TestFormatVarsDeterministic(t *testing.T) {
	vars := map[string]string{
		"origination_caller_id_number": "5559999",
		"dialcore_call_id":             "call-1",
		"ignore_early_media":           "true",
	}
	want := "{dialcore_call_id=call-1,ignore_early_media=true,origination_caller_id_number=5559999}"
	for i := 0; i < 10; i++ {
		assert.Equal(t, want, formatVars(vars))
	}
}

func TestFormatVarsEmpty(t *testing.T) {
	assert.Empty(t, formatVars(nil))
	assert.Empty(t, formatVars(map[string]string{}))
}
