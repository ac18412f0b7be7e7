// Package security implements device pairing and session token
// validation for the streaming API.
//
// A 6-digit pairing token (env-provided or random) authenticates the
// first device exchange; success mints a 32-character alphanumeric
// session token persisted in .toren/sessions.json and required on every
// streaming connection thereafter.
package security

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anowell/toren/internal/common/logger"
)

const sessionTokenLength = 32

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Session is a paired device session.
type Session struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

// Context holds the pairing token and the persisted session table.
type Context struct {
	pairingToken string
	mu           sync.RWMutex
	sessions     map[string]Session
	sessionFile  string
	logger       *logger.Logger
}

// NewContext builds a security context. The pairing token comes from the
// PAIRING_TOKEN environment variable when set, otherwise it is random.
func NewContext(log *logger.Logger) (*Context, error) {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return NewContextAt(filepath.Join(cwd, ".toren", "sessions.json"), log)
}

// NewContextAt builds a security context with an explicit session file path.
func NewContextAt(sessionFile string, log *logger.Logger) (*Context, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "security"))

	pairingToken := os.Getenv("PAIRING_TOKEN")
	if pairingToken == "" {
		pairingToken = generatePairingToken()
	}

	ctx := &Context{
		pairingToken: pairingToken,
		sessions:     make(map[string]Session),
		sessionFile:  sessionFile,
		logger:       log,
	}

	if err := ctx.loadSessions(); err != nil {
		log.Warn("failed to load persisted sessions", zap.Error(err))
	}
	return ctx, nil
}

// PairingToken returns the current pairing token.
func (c *Context) PairingToken() string {
	return c.pairingToken
}

// ValidatePairingToken checks a pairing attempt.
func (c *Context) ValidatePairingToken(token string) bool {
	return c.pairingToken == token
}

// ValidateSession checks a session token against the session table.
func (c *Context) ValidateSession(token string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.sessions {
		if s.Token == token {
			return true
		}
	}
	return false
}

// CreateSession mints and persists a new session.
func (c *Context) CreateSession() (Session, error) {
	session := Session{
		ID:        uuid.New().String(),
		Token:     generateSessionToken(),
		CreatedAt: time.Now().UTC(),
	}

	c.mu.Lock()
	c.sessions[session.ID] = session
	c.mu.Unlock()

	if err := c.saveSessions(); err != nil {
		c.logger.Warn("failed to persist session", zap.Error(err))
	}
	return session, nil
}

func (c *Context) loadSessions() error {
	content, err := os.ReadFile(c.sessionFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read session file: %w", err)
	}

	sessions := make(map[string]Session)
	if err := json.Unmarshal(content, &sessions); err != nil {
		return fmt.Errorf("failed to parse session file: %w", err)
	}

	c.mu.Lock()
	c.sessions = sessions
	count := len(sessions)
	c.mu.Unlock()

	c.logger.Info("loaded persisted sessions", zap.Int("count", count))
	return nil
}

func (c *Context) saveSessions() error {
	if err := os.MkdirAll(filepath.Dir(c.sessionFile), 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	c.mu.RLock()
	content, err := json.MarshalIndent(c.sessions, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to serialize sessions: %w", err)
	}

	return os.WriteFile(c.sessionFile, content, 0600)
}

func generatePairingToken() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "000000"
	}
	return fmt.Sprintf("%06d", n.Int64())
}

func generateSessionToken() string {
	token := make([]byte, sessionTokenLength)
	max := big.NewInt(int64(len(tokenAlphabet)))
	for i := range token {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			token[i] = tokenAlphabet[0]
			continue
		}
		token[i] = tokenAlphabet[n.Int64()]
	}
	return string(token)
}
