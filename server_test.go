package respcache

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bodyLine(payload string) string {
	data, _ := json.Marshal(base64.StdEncoding.EncodeToString([]byte(payload)))
	return string(data)
}

func runServer(t *testing.T, c CacheBackend, input string) []string {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	var out bytes.Buffer
	require.NoError(t, NewServer(c, strings.NewReader(input), &out, logger).Run(context.Background()))

	var lines []string
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

func decodeResponse(t *testing.T, line string) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	return resp
}

func TestServerSession(t *testing.T) {
	c := newTestCache(t, testSettings(t), newFakeClock())
	payload := `{"id":3,"name":"venusaur"}`

	input := strings.Join([]string{
		fmt.Sprintf(`{"ID":1,"Command":"write","Category":"pokemon","EntryID":"3","BodySize":%d}`, len(payload)),
		bodyLine(payload),
		`{"ID":2,"Command":"exists","Category":"pokemon","EntryID":"3"}`,
		`{"ID":3,"Command":"read","Category":"pokemon","EntryID":"3"}`,
		`{"ID":4,"Command":"read","Category":"pokemon","EntryID":"4"}`,
		``,
		`{"ID":5,"Command":"remove","Category":"pokemon","EntryID":"3"}`,
		`{"ID":6,"Command":"clean"}`,
		`{"ID":7,"Command":"bogus"}`,
		`{"ID":8,"Command":"close"}`,
		`{"ID":9,"Command":"read","Category":"pokemon","EntryID":"3"}`,
	}, "\n")

	lines := runServer(t, c, input)
	require.Len(t, lines, 10, "initial response, eight responses and one body line")

	initial := decodeResponse(t, lines[0])
	assert.Equal(t, KnownCommands, initial.KnownCommands)

	write := decodeResponse(t, lines[1])
	assert.Equal(t, int64(1), write.ID)
	assert.Empty(t, write.Err)

	assert.True(t, decodeResponse(t, lines[2]).Exists)

	read := decodeResponse(t, lines[3])
	assert.Equal(t, int64(len(payload)), read.BodySize)
	var encoded string
	require.NoError(t, json.Unmarshal([]byte(lines[4]), &encoded))
	body, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.Equal(t, payload, string(body))

	assert.True(t, decodeResponse(t, lines[5]).Miss)
	assert.Empty(t, decodeResponse(t, lines[6]).Err)

	clean := decodeResponse(t, lines[7])
	require.NotNil(t, clean.Report)
	assert.True(t, clean.Report.BudgetMet)

	assert.Contains(t, decodeResponse(t, lines[8]).Err, "unknown command")
	assert.Equal(t, int64(8), decodeResponse(t, lines[9]).ID)
}

func TestServerWriteAtAndErrors(t *testing.T) {
	c := newTestCache(t, testSettings(t), newFakeClock())

	input := strings.Join([]string{
		`{"ID":1,"Command":"write","Category":"items","EntryID":"17","Path":"custom/17.json","BodySize":6}`,
		bodyLine("potion"),
		`{"ID":2,"Command":"write","Category":"items","EntryID":"18"}`,
	}, "\n")

	lines := runServer(t, c, input)
	require.Len(t, lines, 3)
	assert.Empty(t, decodeResponse(t, lines[1]).Err)
	assert.FileExists(t, c.Root()+"/custom/17.json")
	assert.Contains(t, decodeResponse(t, lines[2]).Err, "payload must not be empty")
}

func TestServerRejectsMalformedRequest(t *testing.T) {
	c := newTestCache(t, testSettings(t), newFakeClock())
	logger, _ := logtest.NewNullLogger()

	var out bytes.Buffer
	err := NewServer(c, strings.NewReader("not json\n"), &out, logger).Run(context.Background())
	assert.Error(t, err)
}

func TestServerBodySizeMismatch(t *testing.T) {
	c := newTestCache(t, testSettings(t), newFakeClock())
	logger, _ := logtest.NewNullLogger()

	input := `{"ID":1,"Command":"write","Category":"items","EntryID":"17","BodySize":99}` + "\n" + bodyLine("potion") + "\n"
	var out bytes.Buffer
	err := NewServer(c, strings.NewReader(input), &out, logger).Run(context.Background())
	assert.Error(t, err)
}
