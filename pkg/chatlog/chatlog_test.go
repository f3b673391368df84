package chatlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/palaver/pkg/conversation"
)

func readLines(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var ret []map[string]interface{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		ret = append(ret, m)
	}
	require.NoError(t, sc.Err())
	return ret
}

func TestWriterSwitchesDays(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2023, 4, 30, 23, 59, 0, 0, time.Local)
	w := NewWriter(dir, WithClock(func() time.Time { return now }))
	defer w.Close()

	conv := &conversation.Conversation{Roles: [2]string{"USER", "ASSISTANT"}, ConvID: "abc"}
	conv.AppendMessage("USER", "hi")
	conv.AppendMessage("ASSISTANT", "hello")

	start := Timestamp(now.Add(-2 * time.Second))
	require.NoError(t, w.Write(Record{
		Type:      TypeChat,
		Model:     "vicuna-13b",
		GenParams: &GenParams{Temperature: 0.7, MaxNewTokens: 512},
		Start:     &start,
		State:     conv.ToPlainData(),
		IP:        "127.0.0.1",
	}))
	require.NoError(t, w.Write(Record{Type: TypeUpvote, Model: "vicuna-13b", State: conv.ToPlainData()}))

	now = now.Add(2 * time.Minute)
	require.NoError(t, w.Write(Record{Type: TypeFlag, Model: "vicuna-13b", State: conv.ToPlainData()}))

	first := readLines(t, filepath.Join(dir, "2023-04-30-conv.json"))
	require.Len(t, first, 2)
	assert.Equal(t, "chat", first[0]["type"])
	assert.Equal(t, "127.0.0.1", first[0]["ip"])
	assert.Equal(t, map[string]interface{}{"temperature": 0.7, "max_new_tokens": 512.0}, first[0]["gen_params"])
	assert.InDelta(t, start, first[0]["start"], 1e-3)
	assert.NotContains(t, first[1], "gen_params")

	state := first[0]["state"].(map[string]interface{})
	assert.Equal(t, "abc", state["conv_id"])
	assert.Equal(t, []interface{}{
		[]interface{}{"USER", "hi"},
		[]interface{}{"ASSISTANT", "hello"},
	}, state["messages"])

	second := readLines(t, filepath.Join(dir, "2023-05-01-conv.json"))
	require.Len(t, second, 1)
	assert.Equal(t, "flag", second[0]["type"])
}

func TestTimestamp(t *testing.T) {
	ts := time.Unix(1682899200, 123456789)
	assert.Equal(t, 1682899200.1235, Timestamp(ts))
}
