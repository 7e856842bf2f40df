// Package identity owns the pool of credentialed sessions: which identities
// exist, which are free, which are banned, and which hold a live session.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// Identity is a handle to one pooled identity. It carries only the id; status
// and session live in the Pool.
type Identity struct {
	ID string
}

// String returns the id.
func (i Identity) String() string { return i.ID }

// CredentialSource yields the opaque credentials of one identity. Load is
// called on every authentication attempt, so a source that becomes unreadable
// is noticed on the next attempt. An error wrapping fs.ErrNotExist means the
// source is gone for good.
type CredentialSource interface {
	Load(ctx context.Context) ([]byte, error)
}

// Spec configures one identity.
type Spec struct {
	ID     string
	Source CredentialSource
}

// Credentials is the blob handed to the remote dialer for session-file identities.
type Credentials struct {
	APIID   int    `json:"api_id"`
	APIHash string `json:"api_hash"`
	Session []byte `json:"session"`
}

// FileSource reads a session file plus the application credentials that go with it.
type FileSource struct {
	SessionPath string
	APIID       int
	APIHash     string
}

// Load re-reads the session file and encodes the credential blob.
func (s FileSource) Load(_ context.Context) ([]byte, error) {
	session, err := os.ReadFile(s.SessionPath)
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", s.SessionPath, err)
	}
	blob, err := json.Marshal(Credentials{APIID: s.APIID, APIHash: s.APIHash, Session: session})
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}
	return blob, nil
}

// StaticSource returns fixed credentials. Useful for tests and env-provided tokens.
type StaticSource []byte

// Load returns the bytes unchanged.
func (s StaticSource) Load(context.Context) ([]byte, error) {
	return []byte(s), nil
}
