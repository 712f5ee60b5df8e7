package clients

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hlsget/hlsget/config"
)

func TestCallbackClientPostsStatus(t *testing.T) {
	prev := config.Clock
	config.Clock = config.FixedTimestampGenerator{Timestamp: 1700000000}
	t.Cleanup(func() { config.Clock = prev })

	received := make(chan StatusMessage, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var msg StatusMessage
		require.NoError(t, json.Unmarshal(body, &msg))
		received <- msg
	}))
	defer server.Close()

	c := NewCallbackClient(server.URL)
	c.SetProgress("job1", "fetching", 42.5)

	select {
	case msg := <-received:
		require.Equal(t, "job1", msg.JobID)
		require.Equal(t, "fetching", msg.Status)
		require.Equal(t, 42.5, msg.Percent)
		require.Equal(t, int64(1700000000), msg.Timestamp)
	case <-time.After(5 * time.Second):
		t.Fatal("no callback received")
	}
}

func TestCallbackClientSendsInfoAndCancel(t *testing.T) {
	received := make(chan StatusMessage, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var msg StatusMessage
		_ = json.Unmarshal(body, &msg)
		received <- msg
	}))
	defer server.Close()

	c := NewCallbackClient(server.URL)
	c.SetInfo("job1", JobInfoEvent{Filename: "movie.ts", QualityLabel: "1080p"})
	c.SetCancelled("job1")

	statuses := map[string]StatusMessage{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-received:
			statuses[msg.Status] = msg
		case <-time.After(5 * time.Second):
			t.Fatal("missing callback")
		}
	}
	require.Equal(t, "movie.ts", statuses["resolved"].Filename)
	require.Equal(t, "1080p", statuses["resolved"].QualityLabel)
	require.Contains(t, statuses, "cancelled")
}

func TestLogPublisherDoesNotPanic(t *testing.T) {
	var p ProgressPublisher = LogPublisher{}
	p.SetInfo("job1", JobInfoEvent{Filename: "movie.ts"})
	p.SetProgress("job1", "fetching", 10)
	p.SetStatus("job1", "failed", io.ErrUnexpectedEOF)
	p.SetStatus("job1", "done", nil)
	p.SetCancelled("job1")
}
