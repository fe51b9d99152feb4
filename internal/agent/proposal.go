package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/redloop-ai/redloop/internal/llm"
	"github.com/redloop-ai/redloop/internal/logging"
)

// ProposalKind says what the model asked the loop to do.
type ProposalKind int

const (
	// ProposalNone means the answer contained nothing runnable.
	ProposalNone ProposalKind = iota
	// ProposalCommand runs a shell command on the target.
	ProposalCommand
	// ProposalCredentials probes an SSH login with candidate credentials.
	ProposalCredentials
)

// Proposal is the action parsed from one model answer. Command always holds
// the printable form that is logged and replayed into later prompts.
type Proposal struct {
	Kind     ProposalKind
	Command  string
	Username string
	Password string

	// Response is the exchange that produced this proposal.
	Response *llm.Result
}

const (
	capabilityExecCommand    = "exec_command"
	capabilityTestCredential = "test_credential"
)

// commandCapabilities declares the actions the model may take in a round.
func commandCapabilities() []llm.Capability {
	return []llm.Capability{
		{
			Name:        capabilityExecCommand,
			Description: "give a shell command that will be executed over SSH on the target system, answered with its terminal output. The command must not require user interaction.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{
						"type":        "string",
						"description": "the shell command to execute",
					},
				},
				"required": []string{"command"},
			},
		},
		{
			Name:        capabilityTestCredential,
			Description: "give a username and password that will be tested over SSH against the target system, answered with whether the login works and as which user.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"username": map[string]any{
						"type":        "string",
						"description": "the username to try",
					},
					"password": map[string]any{
						"type":        "string",
						"description": "the password to try",
					},
				},
				"required": []string{"username", "password"},
			},
		},
	}
}

// parseProposal extracts the next action from a model answer. A structured
// tool call wins; otherwise the text content is cleaned up and read as a
// bare command line.
func parseProposal(res *llm.Result) *Proposal {
	for _, call := range res.Message.ToolCalls {
		if prop, ok := parseToolCall(call); ok {
			prop.Response = res
			return prop
		}
	}

	content := fixCommandOutput(res.Content)
	switch {
	case content == "":
		return &Proposal{Kind: ProposalNone, Response: res}
	case strings.HasPrefix(content, capabilityTestCredential):
		return credentialProposal(content, res)
	default:
		return &Proposal{Kind: ProposalCommand, Command: content, Response: res}
	}
}

func parseToolCall(call llm.ToolCall) (*Proposal, bool) {
	switch call.Name {
	case capabilityExecCommand:
		var args struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			logging.Logger().Warn("undecodable exec_command arguments", "arguments", call.Arguments, "err", err)
			return nil, false
		}
		command := strings.TrimSpace(args.Command)
		if command == "" {
			return nil, false
		}
		return &Proposal{Kind: ProposalCommand, Command: command}, true

	case capabilityTestCredential:
		var args struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			logging.Logger().Warn("undecodable test_credential arguments", "arguments", call.Arguments, "err", err)
			return nil, false
		}
		return &Proposal{
			Kind:     ProposalCredentials,
			Command:  fmt.Sprintf("%s %s %s", capabilityTestCredential, args.Username, args.Password),
			Username: args.Username,
			Password: args.Password,
		}, true

	default:
		logging.Logger().Warn("model called an unknown capability", "name", call.Name)
		return nil, false
	}
}

// credentialProposal reads "test_credential <username> <password>" given as
// plain text. Missing fields surface later as the round's result.
func credentialProposal(content string, res *llm.Result) *Proposal {
	prop := &Proposal{Kind: ProposalCredentials, Command: content, Response: res}
	if fields := strings.Fields(content); len(fields) == 3 {
		prop.Username = fields[1]
		prop.Password = fields[2]
	}
	return prop
}

var (
	promptPrefixes = []string{"$ ", "# ", "~$ ", "bash$ ", "bash# ", "cmd> ", "cmd$ "}

	commandFences = []*regexp.Regexp{
		regexp.MustCompile("(?s)~~~ ?bash(.*?)~~~"),
		regexp.MustCompile("(?s)~~~ ?(.*?)~~~"),
		regexp.MustCompile("(?s)```? ?bash(.*?)```?"),
		regexp.MustCompile("(?s)```? ?(.*?)```?"),
	}
)

// fixCommandOutput cleans a bare-text answer into something a shell accepts:
// leading prompt stereotypes are dropped and fenced blocks are unwrapped.
func fixCommandOutput(text string) string {
	s := strings.Trim(text, " \n")
	for _, prefix := range promptPrefixes {
		if strings.HasPrefix(s, prefix) {
			s = s[len(prefix):]
		}
	}
	for _, fence := range commandFences {
		if m := fence.FindStringSubmatch(s); m != nil {
			s = m[1]
		}
	}
	return strings.Trim(s, " \n`")
}

// detectRoot reports whether command output demonstrates root access, either
// through an id listing or a whoami answer.
func detectRoot(command, output string) bool {
	out := strings.TrimSpace(output)
	if strings.Contains(out, "uid=0(") {
		return true
	}
	if strings.Contains(command, "whoami") {
		lines := strings.Split(out, "\n")
		if strings.TrimSpace(lines[len(lines)-1]) == "root" {
			return true
		}
	}
	return false
}
