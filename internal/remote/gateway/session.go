package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/channel-crawler/internal/crawler"
)

// Session is one identity's sidecar session.
type Session struct {
	dialer      *Dialer
	identityID  string
	credentials []byte

	mu        sync.Mutex
	sessionID string
}

var _ crawler.Session = (*Session)(nil)

type connectRequest struct {
	Identity    string `json:"identity"`
	Credentials []byte `json:"credentials"`
}

type connectResponse struct {
	SessionID string `json:"session_id"`
}

type authorizedResponse struct {
	Authorized bool `json:"authorized"`
}

type wireMessage struct {
	ID   int64  `json:"id"`
	Text string `json:"text"`
	Date int64  `json:"date"`
}

type messagesResponse struct {
	Messages []wireMessage `json:"messages"`
}

type channelsResponse struct {
	Channels []string `json:"channels"`
}

func (s *Session) id() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID == "" {
		return "", errNoSession
	}
	return s.sessionID, nil
}

func (s *Session) path(sid string, parts ...string) string {
	p := "/v1/sessions/" + url.PathEscape(sid)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// Connect opens the sidecar session. Calling it again replaces the session.
func (s *Session) Connect(ctx context.Context) error {
	var resp connectResponse
	if err := s.dialer.do(ctx, http.MethodPost, "/v1/sessions",
		connectRequest{Identity: s.identityID, Credentials: s.credentials}, &resp); err != nil {
		return fmt.Errorf("connect %s: %w", s.identityID, err)
	}
	if resp.SessionID == "" {
		return fmt.Errorf("connect %s: gateway returned no session id", s.identityID)
	}
	s.mu.Lock()
	s.sessionID = resp.SessionID
	s.mu.Unlock()
	s.dialer.logger.Debug("session connected", zap.String("identity_id", s.identityID))
	return nil
}

// IsAuthorized reports false for a session that was never connected.
func (s *Session) IsAuthorized(ctx context.Context) (bool, error) {
	sid, err := s.id()
	if err != nil {
		return false, nil
	}
	var resp authorizedResponse
	if err := s.dialer.do(ctx, http.MethodGet, s.path(sid, "authorized"), nil, &resp); err != nil {
		return false, err
	}
	return resp.Authorized, nil
}

// JoinChannel joins channelID with this identity.
func (s *Session) JoinChannel(ctx context.Context, channelID string) error {
	sid, err := s.id()
	if err != nil {
		return err
	}
	return s.dialer.do(ctx, http.MethodPost, s.path(sid, "channels", channelID, "join"), nil, nil)
}

// FetchRecent returns up to limit of the latest messages, oldest first.
func (s *Session) FetchRecent(ctx context.Context, channelID string, limit int) ([]crawler.Message, error) {
	sid, err := s.id()
	if err != nil {
		return nil, err
	}
	p := s.path(sid, "channels", channelID, "messages") + "?limit=" + strconv.Itoa(limit)
	var resp messagesResponse
	if err := s.dialer.do(ctx, http.MethodGet, p, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]crawler.Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		out = append(out, crawler.Message{ID: m.ID, Text: m.Text, Timestamp: time.Unix(m.Date, 0).UTC()})
	}
	return out, nil
}

// ListJoinedChannels lists the channels the identity already belongs to.
func (s *Session) ListJoinedChannels(ctx context.Context) ([]string, error) {
	sid, err := s.id()
	if err != nil {
		return nil, err
	}
	var resp channelsResponse
	if err := s.dialer.do(ctx, http.MethodGet, s.path(sid, "channels"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Channels, nil
}

// Close ends the sidecar session. Closing an unconnected session is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	sid := s.sessionID
	s.sessionID = ""
	s.mu.Unlock()
	if sid == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.dialer.do(ctx, http.MethodDelete, s.path(sid), nil, nil); err != nil {
		return fmt.Errorf("close session %s: %w", s.identityID, err)
	}
	return nil
}
