package event

import (
	"strings"

	"github.com/shivay/dispatch-service/internal/domain/model"
)

// Topic names a broadcast stream. Every topic has its own sequence.
type Topic string

const (
	TopicCases     Topic = "cases"
	TopicResources Topic = "resources"

	caseTopicPrefix = "case:"
)

func CaseTopic(caseID string) Topic { return Topic(caseTopicPrefix + caseID) }

// CaseID returns the case a per-case topic refers to.
func (t Topic) CaseID() (string, bool) {
	id, ok := strings.CutPrefix(string(t), caseTopicPrefix)
	return id, ok && id != ""
}

// IsGlobal reports whether the topic is a system-wide feed.
func (t Topic) IsGlobal() bool { return t == TopicCases || t == TopicResources }

func (t Topic) String() string { return string(t) }

// ParseTopic validates an observer supplied topic name.
func ParseTopic(s string) (Topic, error) {
	t := Topic(strings.TrimSpace(s))
	if t.IsGlobal() {
		return t, nil
	}
	if _, ok := t.CaseID(); ok {
		return t, nil
	}
	return "", model.Validationf("unknown topic %q", s)
}

// ParseTopics validates and de-duplicates a topic list.
func ParseTopics(raw []string) ([]Topic, error) {
	if len(raw) == 0 {
		return nil, model.Validationf("at least one topic is required")
	}
	seen := make(map[Topic]struct{}, len(raw))
	out := make([]Topic, 0, len(raw))
	for _, s := range raw {
		t, err := ParseTopic(s)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}
