package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/channel-crawler/internal/crawler"
)

// sidecar is a scripted stand-in for the MTProto bridge.
type sidecar struct {
	mu       sync.Mutex
	sessions map[string]string
	joined   []string
	closed   []string
	fetch    func(w http.ResponseWriter, channel string)
	authHdr  string
}

func newSidecar(t *testing.T) (*sidecar, *Dialer) {
	t.Helper()
	sc := &sidecar{sessions: map[string]string{}}
	r := chi.NewRouter()
	r.Post("/v1/sessions", func(w http.ResponseWriter, req *http.Request) {
		var in connectRequest
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sc.mu.Lock()
		sc.authHdr = req.Header.Get("Authorization")
		sid := "s-" + in.Identity
		sc.sessions[sid] = string(in.Credentials)
		sc.mu.Unlock()
		writeJSON(w, http.StatusOK, connectResponse{SessionID: sid})
	})
	r.Get("/v1/sessions/{sid}/authorized", func(w http.ResponseWriter, req *http.Request) {
		sc.mu.Lock()
		creds := sc.sessions[chi.URLParam(req, "sid")]
		sc.mu.Unlock()
		writeJSON(w, http.StatusOK, authorizedResponse{Authorized: creds == "good"})
	})
	r.Post("/v1/sessions/{sid}/channels/{channel}/join", func(w http.ResponseWriter, req *http.Request) {
		ch := chi.URLParam(req, "channel")
		if ch == "closed" {
			writeJSON(w, http.StatusForbidden, apiError{Error: "USER_BANNED_IN_CHANNEL", Channel: ch})
			return
		}
		sc.mu.Lock()
		sc.joined = append(sc.joined, ch)
		sc.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/v1/sessions/{sid}/channels/{channel}/messages", func(w http.ResponseWriter, req *http.Request) {
		sc.mu.Lock()
		fetch := sc.fetch
		sc.mu.Unlock()
		if fetch != nil {
			fetch(w, chi.URLParam(req, "channel"))
			return
		}
		assert.Equal(t, "10", req.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, messagesResponse{Messages: []wireMessage{
			{ID: 1, Text: "hello", Date: 1_717_243_200},
		}})
	})
	r.Get("/v1/sessions/{sid}/channels", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, channelsResponse{Channels: []string{"news", "markets"}})
	})
	r.Delete("/v1/sessions/{sid}", func(w http.ResponseWriter, req *http.Request) {
		sc.mu.Lock()
		sc.closed = append(sc.closed, chi.URLParam(req, "sid"))
		sc.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	d, err := NewDialer(Config{BaseURL: srv.URL + "/", Token: "secret"}, srv.Client(), nil)
	require.NoError(t, err)
	return sc, d
}

func (sc *sidecar) snapshot() (auth string, joined, closed []string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.authHdr, append([]string(nil), sc.joined...), append([]string(nil), sc.closed...)
}

func (sc *sidecar) onFetch(fn func(w http.ResponseWriter, channel string)) {
	sc.mu.Lock()
	sc.fetch = fn
	sc.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func connect(t *testing.T, d *Dialer, creds string) crawler.Session {
	t.Helper()
	sess, err := d.Dial(context.Background(), "alice", []byte(creds))
	require.NoError(t, err)
	require.NoError(t, sess.Connect(context.Background()))
	return sess
}

func TestNewDialerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewDialer(Config{}, nil, nil)
	require.Error(t, err)
	_, err = NewDialer(Config{BaseURL: "localhost:8080"}, nil, nil)
	require.Error(t, err)
	d, err := NewDialer(Config{BaseURL: "http://localhost:8080"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d.client.Timeout)
	_, err = d.Dial(context.Background(), "", nil)
	require.Error(t, err)
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	sc, d := newSidecar(t)
	ctx := context.Background()

	sess, err := d.Dial(ctx, "alice", []byte("good"))
	require.NoError(t, err)
	ok, err := sess.IsAuthorized(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "unconnected session")

	require.NoError(t, sess.Connect(ctx))
	auth, _, _ := sc.snapshot()
	assert.Equal(t, "Bearer secret", auth)
	ok, err = sess.IsAuthorized(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, sess.JoinChannel(ctx, "news"))
	_, joinedCalls, _ := sc.snapshot()
	assert.Equal(t, []string{"news"}, joinedCalls)

	msgs, err := sess.FetchRecent(ctx, "news", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, crawler.Message{ID: 1, Text: "hello", Timestamp: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}, msgs[0])

	joined, err := sess.ListJoinedChannels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"news", "markets"}, joined)

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
	_, _, closed := sc.snapshot()
	assert.Equal(t, []string{"s-alice"}, closed)

	_, err = sess.FetchRecent(ctx, "news", 10)
	require.ErrorIs(t, err, errNoSession)
}

func TestUnauthorizedCredentials(t *testing.T) {
	t.Parallel()

	_, d := newSidecar(t)
	sess := connect(t, d, "bad")
	ok, err := sess.IsAuthorized(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		reply func(w http.ResponseWriter)
		check func(t *testing.T, err error)
	}{
		{
			name: "flood wait body",
			reply: func(w http.ResponseWriter) {
				writeJSON(w, 420, apiError{Error: "FLOOD_WAIT", Seconds: 42})
			},
			check: func(t *testing.T, err error) {
				rl, ok := crawler.AsRateLimited(err)
				require.True(t, ok)
				assert.Equal(t, 42, rl.Seconds)
			},
		},
		{
			name: "retry after header",
			reply: func(w http.ResponseWriter) {
				w.Header().Set("Retry-After", "7")
				w.WriteHeader(http.StatusTooManyRequests)
			},
			check: func(t *testing.T, err error) {
				rl, ok := crawler.AsRateLimited(err)
				require.True(t, ok)
				assert.Equal(t, 7*time.Second, rl.Wait())
			},
		},
		{
			name: "rate limit without wait",
			reply: func(w http.ResponseWriter) {
				writeJSON(w, http.StatusTooManyRequests, apiError{Error: "FLOOD_WAIT"})
			},
			check: func(t *testing.T, err error) {
				rl, ok := crawler.AsRateLimited(err)
				require.True(t, ok)
				assert.Equal(t, time.Second, rl.Wait())
			},
		},
		{
			name: "banned",
			reply: func(w http.ResponseWriter) {
				writeJSON(w, http.StatusForbidden, apiError{Error: "user_deactivated_ban"})
			},
			check: func(t *testing.T, err error) {
				b, ok := crawler.AsBanned(err)
				require.True(t, ok)
				assert.Equal(t, "USER_DEACTIVATED_BAN", b.Reason)
			},
		},
		{
			name: "server error",
			reply: func(w http.ResponseWriter) {
				w.WriteHeader(http.StatusBadGateway)
			},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, crawler.ErrTransientNetwork)
			},
		},
		{
			name: "unauthorized",
			reply: func(w http.ResponseWriter) {
				w.WriteHeader(http.StatusUnauthorized)
			},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, crawler.ErrNotAuthorized)
			},
		},
		{
			name: "other client error",
			reply: func(w http.ResponseWriter) {
				writeJSON(w, http.StatusBadRequest, apiError{Error: "CHANNEL_INVALID"})
			},
			check: func(t *testing.T, err error) {
				require.ErrorContains(t, err, "CHANNEL_INVALID")
				assert.False(t, crawler.NewExponentialRetryPolicy().Retryable(err))
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sc, d := newSidecar(t)
			sc.onFetch(func(w http.ResponseWriter, _ string) { tc.reply(w) })
			sess := connect(t, d, "good")
			_, err := sess.FetchRecent(context.Background(), "news", 10)
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestJoinBanCarriesChannel(t *testing.T) {
	t.Parallel()

	_, d := newSidecar(t)
	sess := connect(t, d, "good")
	err := sess.JoinChannel(context.Background(), "closed")
	b, ok := crawler.AsBanned(err)
	require.True(t, ok)
	assert.Equal(t, "closed", b.Channel)
}

func TestTransportFailureIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	d, err := NewDialer(Config{BaseURL: srv.URL}, nil, nil)
	require.NoError(t, err)
	sess, err := d.Dial(context.Background(), "alice", nil)
	require.NoError(t, err)
	err = sess.Connect(context.Background())
	require.ErrorIs(t, err, crawler.ErrTransientNetwork)
	assert.True(t, crawler.NewExponentialRetryPolicy().Retryable(err))
}

func TestRateLimitWaitDefault(t *testing.T) {
	t.Parallel()

	d, err := NewDialer(Config{BaseURL: "http://localhost:8080", RateLimitWait: 30 * time.Second}, nil, nil)
	require.NoError(t, err)
	resp := &http.Response{StatusCode: 420, Header: http.Header{"Retry-After": []string{"soon"}}}
	rl, ok := crawler.AsRateLimited(classify(resp, nil, d.defaultWait))
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, rl.Wait())

	resp.Header.Set("Retry-After", "3")
	rl, ok = crawler.AsRateLimited(classify(resp, nil, d.defaultWait))
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, rl.Wait())
}
