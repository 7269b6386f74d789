package escalation

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"careline/cmd/internal/apperr"
	"careline/cmd/internal/conversation"
	"careline/cmd/internal/message"
	"careline/cmd/internal/notify"

	"gopkg.in/yaml.v3"
)

// FallbackRuleID names the implicit rule that pages conversation admins and
// moderators for emergency messages no configured rule matched.
const FallbackRuleID = "fallback_emergency"

// Targets selects who a rule pages.
type Targets struct {
	Roles   []conversation.Role `yaml:"roles" validate:"dive,oneof=admin moderator participant read_only"`
	Users   []string            `yaml:"users" validate:"dive,required"`
	Rosters []string            `yaml:"rosters" validate:"dive,required"`
}

func (t Targets) empty() bool {
	return len(t.Roles) == 0 && len(t.Users) == 0 && len(t.Rosters) == 0
}

// Rule maps conversation kind, priority, keyword and metadata matches to targets.
// Empty match lists match everything.
type Rule struct {
	ID                string              `yaml:"id" validate:"required,max=64"`
	Description       string              `yaml:"description"`
	ConversationKinds []conversation.Kind `yaml:"conversation_kinds" validate:"dive,oneof=direct group broadcast emergency"`
	Priorities        []message.Priority  `yaml:"priorities" validate:"dive,oneof=high emergency"`
	Keywords          []string            `yaml:"keywords" validate:"dive,required"`
	Metadata          map[string]string   `yaml:"metadata"`
	Targets           Targets             `yaml:"targets"`
	Channels          []string            `yaml:"channels" validate:"dive,oneof=push sms email slack"`
}

// Defaults apply to rules that leave a field empty.
type Defaults struct {
	Channels []string `yaml:"channels" validate:"dive,oneof=push sms email slack"`
}

// RuleSet is the parsed rules file.
type RuleSet struct {
	Defaults Defaults                  `yaml:"defaults"`
	Rules    []Rule                    `yaml:"rules" validate:"dive"`
	Rosters  map[string][]string       `yaml:"rosters"`
	Contacts map[string]notify.Contact `yaml:"contacts"`
}

// ParseRules decodes and validates a rules document. Unknown fields are errors.
func ParseRules(data []byte) (*RuleSet, error) {
	const op = "escalation.ParseRules"

	rs := &RuleSet{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(rs); err != nil && !errors.Is(err, io.EOF) {
		return nil, apperr.Ef(op, apperr.ErrValidation, "decode: %v", err)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	rs.normalize()
	return rs, nil
}

// LoadRules reads and parses a rules file.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("escalation: read rules %s: %w", path, err)
	}
	return ParseRules(data)
}

// Validate checks field tags and cross references.
func (rs *RuleSet) Validate() error {
	const op = "escalation.Validate"

	if err := apperr.Check(op, rs); err != nil {
		return err
	}

	var problems []string
	seen := make(map[string]bool, len(rs.Rules))
	for i, r := range rs.Rules {
		if seen[r.ID] {
			problems = append(problems, fmt.Sprintf("rules[%d]: duplicate id %q", i, r.ID))
		}
		seen[r.ID] = true
		if r.ID == FallbackRuleID {
			problems = append(problems, fmt.Sprintf("rules[%d]: id %q is reserved", i, r.ID))
		}
		if r.Targets.empty() {
			problems = append(problems, fmt.Sprintf("rules[%d] %s: no targets", i, r.ID))
		}
		for _, name := range r.Targets.Rosters {
			if _, ok := rs.Rosters[name]; !ok {
				problems = append(problems, fmt.Sprintf("rules[%d] %s: unknown roster %q", i, r.ID, name))
			}
		}
	}
	for name, users := range rs.Rosters {
		if len(users) == 0 {
			problems = append(problems, fmt.Sprintf("roster %q is empty", name))
		}
	}
	if len(problems) > 0 {
		return apperr.E(op, apperr.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

func (rs *RuleSet) normalize() {
	for i := range rs.Rules {
		rs.Rules[i].Keywords = message.NormalizeKeywords(rs.Rules[i].Keywords)
	}
	for id, c := range rs.Contacts {
		c.UserID = id
		rs.Contacts[id] = c
	}
}

// Current lets a static RuleSet serve as a rule source.
func (rs *RuleSet) Current() *RuleSet { return rs }

// CoversEmergencyConversations reports whether some rule applies to emergency conversations.
func (rs *RuleSet) CoversEmergencyConversations() bool {
	if rs == nil {
		return false
	}
	for _, r := range rs.Rules {
		if len(r.ConversationKinds) == 0 {
			return true
		}
		for _, k := range r.ConversationKinds {
			if k == conversation.KindEmergency {
				return true
			}
		}
	}
	return false
}

// Match returns the first rule matching m in c. Emergency messages that match
// nothing get the fallback rule; high messages that match nothing get none.
func (rs *RuleSet) Match(m message.Message, c conversation.Conversation) (Rule, bool) {
	if rs != nil {
		for _, r := range rs.Rules {
			if r.matches(m, c) {
				if len(r.Channels) == 0 {
					r.Channels = rs.Defaults.Channels
				}
				return r, true
			}
		}
	}
	if m.Priority == message.PriorityEmergency {
		return rs.fallback(), true
	}
	return Rule{}, false
}

func (rs *RuleSet) fallback() Rule {
	r := Rule{
		ID:          FallbackRuleID,
		Description: "page conversation admins and moderators",
		Targets:     Targets{Roles: []conversation.Role{conversation.RoleAdmin, conversation.RoleModerator}},
	}
	if rs != nil {
		r.Channels = rs.Defaults.Channels
	}
	return r
}

// Rule returns the rule with id, with default channels applied. The fallback
// rule is always known.
func (rs *RuleSet) Rule(id string) (Rule, bool) {
	if id == FallbackRuleID {
		return rs.fallback(), true
	}
	if rs == nil {
		return Rule{}, false
	}
	for _, r := range rs.Rules {
		if r.ID == id {
			if len(r.Channels) == 0 {
				r.Channels = rs.Defaults.Channels
			}
			return r, true
		}
	}
	return Rule{}, false
}

// Roster returns the members of a named roster.
func (rs *RuleSet) Roster(name string) []string {
	if rs == nil {
		return nil
	}
	return rs.Rosters[name]
}

// Contact returns how to reach userID. Unknown users get an empty contact.
func (rs *RuleSet) Contact(userID string) notify.Contact {
	if rs != nil {
		if c, ok := rs.Contacts[userID]; ok {
			c.UserID = userID
			return c
		}
	}
	return notify.Contact{UserID: userID}
}

func (r Rule) matches(m message.Message, c conversation.Conversation) bool {
	if len(r.ConversationKinds) > 0 && !containsKind(r.ConversationKinds, c.Kind) {
		return false
	}
	if len(r.Priorities) > 0 && !containsPriority(r.Priorities, m.Priority) {
		return false
	}
	for k, v := range r.Metadata {
		if m.Metadata[k] != v {
			return false
		}
	}
	if len(r.Keywords) == 0 {
		return true
	}
	content := strings.ToLower(m.Content)
	for _, k := range r.Keywords {
		if strings.Contains(content, k) {
			return true
		}
	}
	return false
}

func containsKind(kinds []conversation.Kind, k conversation.Kind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}

func containsPriority(ps []message.Priority, p message.Priority) bool {
	for _, x := range ps {
		if x == p {
			return true
		}
	}
	return false
}
