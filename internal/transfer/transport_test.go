package transfer

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTransportStreamsBody(t *testing.T) {
	body := strings.Repeat("z", 10_000)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token", r.Header.Get("X-Token"))
		_, _ = w.Write([]byte(body))
	}))
	defer upstream.Close()

	transport := NewHTTPTransport(upstream.Client())
	transport.ChunkSize = 1024
	s, d := newTestScheduler(t, transport, 1)

	u := newTestUnit(t, d, upstream.URL+"/file")
	u.req.Header.Set("X-Token", "token")
	s.Submit(u)
	rec := newRecorder()
	rec.subscribe(u)

	resp, err := rec.wait(t)
	require.NoError(t, err)
	assert.Equal(t, body, string(resp.Data))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.progress)
	assert.Equal(t, int64(len(body)), rec.progress[len(rec.progress)-1])
}

func TestHTTPTransportBadStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusTeapot)
	}))
	defer upstream.Close()

	s, d := newTestScheduler(t, NewHTTPTransport(upstream.Client()), 1)
	u := newTestUnit(t, d, upstream.URL+"/missing")
	s.Submit(u)
	rec := newRecorder()
	rec.subscribe(u)

	_, err := rec.wait(t)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusTeapot, statusErr.Code)
	require.Eventually(t, func() bool { return s.Stats().Failed == 1 }, waitTimeout, tick)
}

func TestHTTPTransportHonoursCancellation(t *testing.T) {
	entered := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		close(entered)
		<-r.Context().Done()
	}))
	defer upstream.Close()

	s, d := newTestScheduler(t, NewHTTPTransport(upstream.Client()), 1)
	u := newTestUnit(t, d, upstream.URL+"/slow")
	s.Submit(u)
	rec := newRecorder()
	rec.subscribe(u)
	<-entered

	assert.Equal(t, 1, s.CancelAll())
	_, err := rec.wait(t)
	assert.ErrorIs(t, err, ErrCancelled)
}
