package policy

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// bashRuleKeys parses a shell command and returns, for every simple
// command it runs (including commands behind pipes, && chains, and
// substitutions), the rule keys to try in most-specific-first order:
// "name sub *", "name *", "name", "*". A command whose name is only
// known at run time yields an empty key set; callers must never
// auto-approve those.
func bashRuleKeys(command string) ([][]string, error) {
	file, err := syntax.NewParser(syntax.Variant(syntax.LangBash)).Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}

	var keySets [][]string
	syntax.Walk(file, func(node syntax.Node) bool {
		call, ok := node.(*syntax.CallExpr)
		if !ok || len(call.Args) == 0 {
			return true
		}
		keySets = append(keySets, ruleKeys(call))
		return true
	})
	return keySets, nil
}

// ruleKeys builds the candidate rule keys for one simple command.
func ruleKeys(call *syntax.CallExpr) []string {
	name, static := wordText(call.Args[0])
	if !static || name == "" {
		// Expansions in command position ($CMD, $(which x)) resolve at
		// run time; no literal rule may approve them.
		return nil
	}

	// The subcommand is the first non-flag argument. If that slot is
	// dynamic the subcommand key is dropped; the command keys remain.
	var sub string
	for _, arg := range call.Args[1:] {
		text, ok := wordText(arg)
		if ok && strings.HasPrefix(text, "-") {
			continue
		}
		if ok {
			sub = text
		}
		break
	}

	keys := make([]string, 0, 4)
	if sub != "" {
		keys = append(keys, name+" "+sub+" *")
	}
	return append(keys, name+" *", name, "*")
}

// wordText flattens a word to its static text. The second result is
// false when any part of the word is produced at run time.
func wordText(w *syntax.Word) (string, bool) {
	if lit := w.Lit(); lit != "" {
		return lit, true
	}

	var b strings.Builder
	static := true
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			b.WriteString(p.Value)
		case *syntax.SglQuoted:
			b.WriteString(p.Value)
			static = static && !p.Dollar
		case *syntax.DblQuoted:
			for _, inner := range p.Parts {
				if lit, ok := inner.(*syntax.Lit); ok {
					b.WriteString(lit.Value)
				} else {
					static = false
				}
			}
		default:
			static = false
		}
	}
	return b.String(), static
}
