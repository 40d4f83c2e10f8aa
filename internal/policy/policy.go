// Package policy evaluates automatic decisions for tool approval
// requests. Unmatched requests fall through to the frontend.
package policy

import (
	"github.com/bmatcuk/doublestar/v4"

	"github.com/claude-island/claude-island/internal/logging"
	"github.com/claude-island/claude-island/pkg/types"
)

// Action is the verdict of a policy evaluation.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionAsk   Action = "ask"
)

// ParseAction normalizes a config string; anything unrecognized is ask.
func ParseAction(s string) Action {
	switch Action(s) {
	case ActionAllow, ActionDeny:
		return Action(s)
	default:
		return ActionAsk
	}
}

// bashTool is the tool name whose parameters carry a shell command.
const bashTool = "Bash"

// fileParamKeys are the parameter fields checked against path rules.
var fileParamKeys = []string{"file_path", "path", "file", "notebook_path"}

// Policy holds the configured auto-decision rules.
type Policy struct {
	tools map[string]Action
	bash  map[string]Action
	paths map[string]Action
}

// New builds a policy from configuration. A nil config yields a
// policy that always asks.
func New(cfg *types.PolicyConfig) *Policy {
	p := &Policy{
		tools: make(map[string]Action),
		bash:  make(map[string]Action),
		paths: make(map[string]Action),
	}
	if cfg == nil {
		return p
	}
	for name, action := range cfg.Tools {
		p.tools[name] = ParseAction(action)
	}
	for pattern, action := range cfg.Bash {
		p.bash[pattern] = ParseAction(action)
	}
	for pattern, action := range cfg.Paths {
		p.paths[pattern] = ParseAction(action)
	}
	return p
}

// Evaluate decides what to do with an approval request. Deny rules win
// over allow rules; any sub-command or path resolving to ask forces the
// whole request to ask.
func (p *Policy) Evaluate(toolName string, params map[string]any) Action {
	if toolName == bashTool {
		if cmd, ok := params["command"].(string); ok {
			if action := p.evaluateBash(cmd); action != "" {
				return action
			}
		}
	}

	if action := p.evaluatePaths(params); action != "" {
		return action
	}

	if action, ok := p.tools[toolName]; ok {
		return action
	}
	return ActionAsk
}

// evaluateBash matches every command in the script against the bash
// rules. The verdict is allow only when all commands allow; a single
// deny denies; anything unmatched returns "" so tool rules apply. A
// command whose name is dynamic is never auto-approved.
func (p *Policy) evaluateBash(command string) Action {
	if len(p.bash) == 0 {
		return ""
	}

	keySets, err := bashRuleKeys(command)
	if err != nil {
		logging.Warn().Err(err).Msg("unparseable bash command, asking")
		return ActionAsk
	}
	if len(keySets) == 0 {
		return ""
	}

	verdict := ActionAllow
	matchedAny := false
	for _, keys := range keySets {
		if len(keys) == 0 {
			return ActionAsk
		}
		action, matched := p.lookupBash(keys)
		if !matched {
			verdict = ActionAsk
			continue
		}
		matchedAny = true
		switch action {
		case ActionDeny:
			return ActionDeny
		case ActionAsk:
			verdict = ActionAsk
		}
	}
	if !matchedAny {
		return ""
	}
	return verdict
}

// lookupBash tries the command's candidate keys in order.
func (p *Policy) lookupBash(keys []string) (Action, bool) {
	for _, key := range keys {
		if action, ok := p.bash[key]; ok {
			return action, true
		}
	}
	return ActionAsk, false
}

// evaluatePaths checks file-tool parameters against doublestar rules.
// Returns "" when no rule matches.
func (p *Policy) evaluatePaths(params map[string]any) Action {
	if len(p.paths) == 0 {
		return ""
	}

	var verdict Action
	for _, key := range fileParamKeys {
		path, ok := params[key].(string)
		if !ok || path == "" {
			continue
		}
		for pattern, action := range p.paths {
			matched, err := doublestar.Match(pattern, path)
			if err != nil || !matched {
				continue
			}
			if action == ActionDeny {
				return ActionDeny
			}
			if verdict == "" || action == ActionAsk {
				verdict = action
			}
		}
	}
	return verdict
}
