// Package approval guards model-proposed commands before they execute on
// the target: a deny-pattern tripwire for destructive commands, plus an
// optional interactive confirmation step for supervised runs.
package approval

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/shlex"

	"github.com/redloop-ai/redloop/internal/config"
)

// DeniedError reports a command rejected by the guard.
type DeniedError struct {
	Command string
	Pattern string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("command %q denied by guard pattern %q", e.Command, e.Pattern)
}

// Guard rejects commands matching any configured deny pattern. It is a
// tripwire against obviously destructive commands from an autonomous model,
// not a sandbox: pattern matching happens on shell tokens, so an evasive
// encoding will pass.
type Guard struct {
	deny []string
}

// NewGuard builds a guard from the configured deny patterns.
func NewGuard(cfg config.GuardConfig) *Guard {
	return &Guard{deny: cfg.DenyCommands}
}

// Check returns a *DeniedError when the command matches a deny pattern.
// Commands that fail shell tokenization pass unchanged; the target's shell
// rejects them before anything runs.
func (g *Guard) Check(command string) error {
	tokens, err := tokenizeCommand(command)
	if err != nil || len(tokens) == 0 {
		return nil
	}
	for _, pattern := range g.deny {
		patternTokens, err := tokenizeCommand(pattern)
		if err != nil {
			continue
		}
		if matchPatternTokens(patternTokens, tokens) {
			return &DeniedError{Command: command, Pattern: pattern}
		}
	}
	return nil
}

// Match pattern tokens against command tokens. A bare "*" matches zero or
// more whole tokens; a token containing a wildcard matches one token as a
// glob; anything else matches one token exactly. The whole command must be
// consumed.
func matchPatternTokens(patternTokens, commandTokens []string) bool {
	if len(patternTokens) == 0 {
		return len(commandTokens) == 0
	}

	if patternTokens[0] == "*" {
		for i := 0; i <= len(commandTokens); i++ {
			if matchPatternTokens(patternTokens[1:], commandTokens[i:]) {
				return true
			}
		}
		return false
	}

	if len(commandTokens) == 0 || !matchToken(patternTokens[0], commandTokens[0]) {
		return false
	}
	return matchPatternTokens(patternTokens[1:], commandTokens[1:])
}

func matchToken(pattern, token string) bool {
	if !strings.ContainsAny(pattern, "*?[") {
		return pattern == token
	}
	ok, err := path.Match(pattern, token)
	return err == nil && ok
}

// Parse shell tokens and strip leading KEY=value env assignments so
// matching starts at the command itself.
func tokenizeCommand(raw string) ([]string, error) {
	tokens, err := shlex.Split(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	index := 0
	for index < len(tokens) && isEnvAssignmentToken(tokens[index]) {
		index++
	}
	return tokens[index:], nil
}

// Report whether token is a shell env assignment like KEY=value.
func isEnvAssignmentToken(token string) bool {
	equalIndex := strings.IndexRune(token, '=')
	if equalIndex <= 0 {
		return false
	}

	key := token[:equalIndex]
	for i, ch := range key {
		if i == 0 {
			if !((ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_') {
				return false
			}
			continue
		}
		if !((ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') || ch == '_') {
			return false
		}
	}
	return true
}
