// Package auth implements the control socket's token lifecycle (C9): a
// 64-hex-char shared secret created atomically on first run, validated
// strictly on load, and rotated on SIGHUP through a watch channel so
// in-flight command validation never observes a half-written value.
// Grounded on the original daemon's daemon/token.rs: randomised temp
// filename before the atomic rename, stale-temp cleanup on retry, and
// symlink/owner rejection and mode repair on every read.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/axon-project/axond/internal/daemonerr"
)

const (
	tokenFileMode = 0o600
	tokenBytes    = 32
	tokenHexLen   = tokenBytes * 2
)

var hexPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Tokens owns the currently published control-socket token and its file.
type Tokens struct {
	path string

	mu       sync.RWMutex
	current  string
	watchers []chan string
}

// LoadOrGenerate reads path, generating a fresh token file with create_new
// + atomic rename semantics if absent.
func LoadOrGenerate(path string) (*Tokens, error) {
	t := &Tokens{path: path}

	tok, err := validateAndRead(path)
	if os.IsNotExist(err) {
		tok, err = generateTokenFile(path)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	t.current = tok
	return t, nil
}

// Current returns the currently published token.
func (t *Tokens) Current() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Watch registers a channel that receives the new token value every time
// Reload rotates it. The channel is buffered so Reload never blocks on a
// slow handler.
func (t *Tokens) Watch() <-chan string {
	ch := make(chan string, 1)
	t.mu.Lock()
	t.watchers = append(t.watchers, ch)
	t.mu.Unlock()
	return ch
}

// Reload re-reads the token file (on SIGHUP) and publishes the new value
// to every watcher. Commands validating concurrently observe either the
// old or new value atomically, never a partial one.
func (t *Tokens) Reload() error {
	tok, err := validateAndRead(t.path)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.current = tok
	watchers := append([]chan string(nil), t.watchers...)
	t.mu.Unlock()

	for _, w := range watchers {
		select {
		case w <- tok:
		default:
		}
	}
	return nil
}

// Validate compares presented against the current token in constant time,
// after cheap format pre-checks (length and hex alphabet) that avoid
// running the constant-time compare on obviously-malformed input.
func (t *Tokens) Validate(presented string) bool {
	if len(presented) != tokenHexLen || !hexPattern.MatchString(presented) {
		return false
	}
	current := t.Current()
	if len(current) != tokenHexLen {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(current)) == 1
}

func generateTokenFile(path string) (string, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", daemonerr.Wrap(daemonerr.CodeIdentityUnreadable, "create state directory for token", err)
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", daemonerr.Wrap(daemonerr.CodeInternal, "generate token bytes", err)
	}
	tok := hex.EncodeToString(raw)

	tmpSuffix := make([]byte, 8)
	if _, err := rand.Read(tmpSuffix); err != nil {
		return "", daemonerr.Wrap(daemonerr.CodeInternal, "generate temp filename suffix", err)
	}
	tmpPath := filepath.Join(dir, fmt.Sprintf(".ipc-token.%s.tmp", hex.EncodeToString(tmpSuffix)))

	removeStaleTemp(dir)

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, tokenFileMode)
	if err != nil {
		return "", daemonerr.Wrap(daemonerr.CodeIdentityUnreadable, "create token temp file", err)
	}
	if _, err := f.WriteString(tok); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", daemonerr.Wrap(daemonerr.CodeIdentityUnreadable, "write token temp file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", daemonerr.Wrap(daemonerr.CodeIdentityUnreadable, "close token temp file", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", daemonerr.Wrap(daemonerr.CodeIdentityUnreadable, "rename token temp file into place", err)
	}

	return validateAndRead(path)
}

// removeStaleTemp clears a leftover .ipc-token.*.tmp file from a previous
// crashed run before retrying create_new, matching daemon/token.rs.
func removeStaleTemp(dir string) {
	matches, err := filepath.Glob(filepath.Join(dir, ".ipc-token.*.tmp"))
	if err != nil {
		return
	}
	for _, m := range matches {
		os.Remove(m)
	}
}

// validateAndRead rejects a symlink, a non-regular file, or a file not
// owned by the current (daemon) process before reading its contents.
func validateAndRead(path string) (string, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return "", err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return "", daemonerr.New(daemonerr.CodeIdentityUnreadable, "token file must not be a symlink")
	}
	if !info.Mode().IsRegular() {
		return "", daemonerr.New(daemonerr.CodeIdentityUnreadable, "token file must be a regular file")
	}
	if err := checkOwnerAndFixMode(path, info); err != nil {
		return "", err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return "", daemonerr.Wrap(daemonerr.CodeIdentityUnreadable, "read token file", err)
	}
	return string(trimNewline(raw)), nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
