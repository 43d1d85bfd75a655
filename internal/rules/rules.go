// Package rules implements the auto-reply rule set: buyer greetings,
// phrase triggers on inbound chat messages, canned review responses, and
// purchase-option rules with placeholder expansion. Rules load from a YAML
// file and matching is pure; callers decide what to do with the results.
package rules

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// MatchType selects how an option rule compares against a purchase option.
type MatchType string

const (
	// MatchName matches on the option name alone.
	MatchName MatchType = "name"
	// MatchValue matches on the option name and exact value.
	MatchValue MatchType = "value"
	// MatchContains matches on the option name with the value containing
	// a substring.
	MatchContains MatchType = "contains"
)

// Trigger is one phrase rule applied to inbound buyer messages.
type Trigger struct {
	Phrase     string `yaml:"phrase"`
	Response   string `yaml:"response"`
	ExactMatch bool   `yaml:"exact_match"`
	Notify     bool   `yaml:"notify"`
	NotifyText string `yaml:"notify_text"`
	Enabled    *bool  `yaml:"enabled"`
}

// ReviewResponses configures canned replies to buyer reviews.
type ReviewResponses struct {
	Enabled     bool   `yaml:"enabled"`
	GoodEnabled bool   `yaml:"good_enabled"`
	GoodText    string `yaml:"good_text"`
	BadEnabled  bool   `yaml:"bad_enabled"`
	BadText     string `yaml:"bad_text"`
}

// OptionRule fires when a purchase option matches. Messages may be sent to
// the buyer, the conversation thread, or both, with {option}, {value} and
// {sum} expanded from the matched option ({sum} is an alias of {value}).
type OptionRule struct {
	OptionName    string    `yaml:"option_name"`
	OptionValue   string    `yaml:"option_value"`
	MatchType     MatchType `yaml:"match_type"`
	CaseSensitive bool      `yaml:"case_sensitive"`
	SendToBuyer   bool      `yaml:"send_to_buyer"`
	BuyerMessage  string    `yaml:"buyer_message"`
	SendToThread  *bool     `yaml:"send_to_thread"`
	ThreadMessage string    `yaml:"thread_message"`
	Enabled       *bool     `yaml:"enabled"`
}

// OptionRules wraps option rules behind a master switch.
type OptionRules struct {
	Enabled bool         `yaml:"enabled"`
	Rules   []OptionRule `yaml:"rules"`
}

// Set is the full rule configuration.
type Set struct {
	Enabled         bool            `yaml:"enabled"`
	GreetingEnabled bool            `yaml:"greeting_enabled"`
	GreetingText    string          `yaml:"greeting_text"`
	NotifyText      string          `yaml:"notify_text"`
	Triggers        []Trigger       `yaml:"triggers"`
	ReviewResponses ReviewResponses `yaml:"review_responses"`
	OptionRules     OptionRules     `yaml:"option_rules"`
}

// Reply is the outcome of a trigger match.
type Reply struct {
	Response   string
	Notify     bool
	NotifyText string
}

// OptionAction is one fired option rule with placeholders already expanded.
type OptionAction struct {
	OptionName    string
	OptionValue   string
	SendToBuyer   bool
	BuyerMessage  string
	SendToThread  bool
	ThreadMessage string
}

// PurchaseOption is the minimal option shape the matcher needs.
type PurchaseOption struct {
	Name  string
	Value string
}

// Default returns the built-in rule set used when no file is configured.
func Default() *Set {
	return &Set{
		Enabled:         true,
		GreetingEnabled: true,
		GreetingText:    "Здравствуйте! Спасибо за покупку. Чем могу помочь?",
		NotifyText:      "🔔 Требуется ответ!",
		ReviewResponses: ReviewResponses{
			GoodText: "Спасибо за отзыв! 🙏",
			BadText:  "Извините за неудобства. Напишите, чем можем помочь?",
		},
	}
}

// Load reads a rule set from a YAML file. A missing file yields the
// defaults; a malformed file is an error.
func Load(path string) (*Set, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	set := Default()
	if err := yaml.Unmarshal(raw, set); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	set.normalize()
	return set, nil
}

func (s *Set) normalize() {
	for i := range s.OptionRules.Rules {
		switch s.OptionRules.Rules[i].MatchType {
		case MatchName, MatchValue, MatchContains:
		default:
			s.OptionRules.Rules[i].MatchType = MatchName
		}
	}
}

func enabled(flag *bool) bool {
	return flag == nil || *flag
}

// Greeting returns the greeting text and whether greetings are active.
func (s *Set) Greeting() (string, bool) {
	if !s.Enabled || !s.GreetingEnabled || s.GreetingText == "" {
		return "", false
	}
	return s.GreetingText, true
}

// Match finds the first trigger matching an inbound message, or nil.
// Non-exact triggers match case-insensitive substrings.
func (s *Set) Match(message string) *Reply {
	if !s.Enabled {
		return nil
	}
	lower := strings.ToLower(strings.TrimSpace(message))

	for _, t := range s.Triggers {
		if !enabled(t.Enabled) || t.Phrase == "" {
			continue
		}
		phrase := strings.ToLower(t.Phrase)
		matched := strings.Contains(lower, phrase)
		if t.ExactMatch {
			matched = lower == phrase
		}
		if !matched {
			continue
		}
		notifyText := t.NotifyText
		if notifyText == "" {
			notifyText = s.NotifyText
		}
		return &Reply{Response: t.Response, Notify: t.Notify, NotifyText: notifyText}
	}
	return nil
}

// ReviewReply returns the canned response for a review kind ("good" or
// "bad"), or "" when disabled.
func (s *Set) ReviewReply(kind string) string {
	rr := s.ReviewResponses
	if !s.Enabled || !rr.Enabled {
		return ""
	}
	switch kind {
	case "good":
		if rr.GoodEnabled {
			return rr.GoodText
		}
	case "bad":
		if rr.BadEnabled {
			return rr.BadText
		}
	}
	return ""
}

// MatchOptions evaluates every option against every enabled rule and
// returns the fired actions with placeholders expanded. One option may
// fire several rules.
func (s *Set) MatchOptions(options []PurchaseOption) []OptionAction {
	if !s.Enabled || !s.OptionRules.Enabled {
		return nil
	}

	var actions []OptionAction
	for _, opt := range options {
		if opt.Name == "" {
			continue
		}
		for _, rule := range s.OptionRules.Rules {
			if !enabled(rule.Enabled) || rule.OptionName == "" {
				continue
			}
			if !rule.matches(opt) {
				continue
			}
			actions = append(actions, OptionAction{
				OptionName:    opt.Name,
				OptionValue:   opt.Value,
				SendToBuyer:   rule.SendToBuyer,
				BuyerMessage:  expand(rule.BuyerMessage, opt),
				SendToThread:  rule.SendToThread == nil || *rule.SendToThread,
				ThreadMessage: expand(rule.ThreadMessage, opt),
			})
		}
	}
	return actions
}

func (r OptionRule) matches(opt PurchaseOption) bool {
	if !eq(r.OptionName, opt.Name, r.CaseSensitive) {
		return false
	}
	switch r.MatchType {
	case MatchValue:
		return eq(r.OptionValue, opt.Value, r.CaseSensitive)
	case MatchContains:
		if r.OptionValue == "" {
			return true
		}
		if r.CaseSensitive {
			return strings.Contains(opt.Value, r.OptionValue)
		}
		return strings.Contains(strings.ToLower(opt.Value), strings.ToLower(r.OptionValue))
	default:
		return true
	}
}

func eq(a, b string, caseSensitive bool) bool {
	if caseSensitive {
		return a == b
	}
	return strings.EqualFold(a, b)
}

func expand(template string, opt PurchaseOption) string {
	out := strings.ReplaceAll(template, "{option}", opt.Name)
	out = strings.ReplaceAll(out, "{value}", opt.Value)
	return strings.ReplaceAll(out, "{sum}", opt.Value)
}
