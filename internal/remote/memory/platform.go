// Package memory contains an in-process stand-in for the remote platform,
// used by tests and by the simulated remote backend.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/channel-crawler/internal/crawler"
)

// Call records one join or fetch.
type Call struct {
	IdentityID string
	ChannelID  string
	At         time.Time
}

type scriptKey struct {
	identityID string
	channelID  string
}

// Platform keeps channel contents and per-identity memberships, and replays
// scripted errors. It implements crawler.Dialer.
type Platform struct {
	mu           sync.Mutex
	messages     map[string][]crawler.Message
	joined       map[string]map[string]struct{}
	fetchErrs    map[scriptKey][]error
	joinErrs     map[scriptKey][]error
	connectErrs  map[string][]error
	unauthorized map[string]struct{}
	joins        []Call
	fetches      []Call
	dials        map[string]int
	onFetch      func(identityID, channelID string)
}

var _ crawler.Dialer = (*Platform)(nil)

// NewPlatform returns an empty platform.
func NewPlatform() *Platform {
	return &Platform{
		messages:     make(map[string][]crawler.Message),
		joined:       make(map[string]map[string]struct{}),
		fetchErrs:    make(map[scriptKey][]error),
		joinErrs:     make(map[scriptKey][]error),
		connectErrs:  make(map[string][]error),
		unauthorized: make(map[string]struct{}),
		dials:        make(map[string]int),
	}
}

// SetMessages replaces the history of a channel.
func (p *Platform) SetMessages(channelID string, msgs ...crawler.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages[channelID] = append([]crawler.Message(nil), msgs...)
}

// PreJoin marks channels as already joined by identityID.
func (p *Platform) PreJoin(identityID string, channels ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range channels {
		p.joinLocked(identityID, ch)
	}
}

// FailFetch queues errors returned by the next fetches of channelID by
// identityID. An empty identityID matches any identity.
func (p *Platform) FailFetch(identityID, channelID string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := scriptKey{identityID, channelID}
	p.fetchErrs[key] = append(p.fetchErrs[key], errs...)
}

// FailJoin queues errors returned by the next joins.
func (p *Platform) FailJoin(identityID, channelID string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := scriptKey{identityID, channelID}
	p.joinErrs[key] = append(p.joinErrs[key], errs...)
}

// FailConnect queues errors returned by the next connects of identityID.
func (p *Platform) FailConnect(identityID string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErrs[identityID] = append(p.connectErrs[identityID], errs...)
}

// Unauthorize makes every session of identityID report not authorized.
func (p *Platform) Unauthorize(identityID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unauthorized[identityID] = struct{}{}
}

// OnFetch registers a hook run at the start of every fetch.
func (p *Platform) OnFetch(fn func(identityID, channelID string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFetch = fn
}

// Joins returns every join call.
func (p *Platform) Joins() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.joins)
}

// Fetches returns every fetch call, including failed ones.
func (p *Platform) Fetches() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.fetches)
}

// Dials returns how many sessions identityID opened.
func (p *Platform) Dials(identityID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dials[identityID]
}

// Dial opens a session for identityID.
func (p *Platform) Dial(_ context.Context, identityID string, _ []byte) (crawler.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dials[identityID]++
	return &session{platform: p, identityID: identityID}, nil
}

func (p *Platform) joinLocked(identityID, channelID string) {
	set, ok := p.joined[identityID]
	if !ok {
		set = make(map[string]struct{})
		p.joined[identityID] = set
	}
	set[channelID] = struct{}{}
}

func popError(queue map[scriptKey][]error, identityID, channelID string) error {
	for _, key := range []scriptKey{{identityID, channelID}, {"", channelID}} {
		if errs := queue[key]; len(errs) > 0 {
			queue[key] = errs[1:]
			return errs[0]
		}
	}
	return nil
}

type session struct {
	platform   *Platform
	identityID string
	closed     bool
}

func (s *session) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := s.platform
	p.mu.Lock()
	defer p.mu.Unlock()
	if errs := p.connectErrs[s.identityID]; len(errs) > 0 {
		p.connectErrs[s.identityID] = errs[1:]
		return errs[0]
	}
	return nil
}

func (s *session) IsAuthorized(context.Context) (bool, error) {
	p := s.platform
	p.mu.Lock()
	defer p.mu.Unlock()
	_, denied := p.unauthorized[s.identityID]
	return !denied && !s.closed, nil
}

func (s *session) JoinChannel(ctx context.Context, channelID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := s.platform
	p.mu.Lock()
	defer p.mu.Unlock()
	p.joins = append(p.joins, Call{IdentityID: s.identityID, ChannelID: channelID, At: time.Now()})
	if err := popError(p.joinErrs, s.identityID, channelID); err != nil {
		return err
	}
	p.joinLocked(s.identityID, channelID)
	return nil
}

func (s *session) FetchRecent(ctx context.Context, channelID string, limit int) ([]crawler.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := s.platform
	p.mu.Lock()
	hook := p.onFetch
	p.mu.Unlock()
	if hook != nil {
		hook(s.identityID, channelID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches = append(p.fetches, Call{IdentityID: s.identityID, ChannelID: channelID, At: time.Now()})
	if err := popError(p.fetchErrs, s.identityID, channelID); err != nil {
		return nil, err
	}
	msgs := p.messages[channelID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return slices.Clone(msgs), nil
}

func (s *session) ListJoinedChannels(context.Context) ([]string, error) {
	p := s.platform
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.joined[s.identityID]))
	for ch := range p.joined[s.identityID] {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out, nil
}

func (s *session) Close() error {
	s.platform.mu.Lock()
	s.closed = true
	s.platform.mu.Unlock()
	return nil
}
