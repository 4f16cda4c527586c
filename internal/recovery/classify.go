// Package recovery classifies stage failures and schedules retries with
// exponential backoff. Jobs that exhaust their retry budget, or whose errors
// are classified as permanent, stay failed until an operator resets them.
package recovery

import "strings"

// Category grades a failure by what should happen next.
type Category string

const (
	// CategoryRecoverable marks transient failures worth retrying
	// automatically.
	CategoryRecoverable Category = "recoverable"

	// CategoryUserAction marks failures that retrying alone will not fix,
	// but that become retryable once the user corrects the input (bad
	// schema, rejected validation).
	CategoryUserAction Category = "user_action_required"

	// CategoryPermanent marks failures where retrying is pointless.
	CategoryPermanent Category = "permanent"
)

// Retryable reports whether a retry could ever succeed for this category.
func (c Category) Retryable() bool { return c != CategoryPermanent }

// classifyRule pairs message substrings with the category they imply.
// Order matters: the first matching rule wins. All permanent rules sit first,
// so a message that also matches a transient needle ("connection closed:
// permission denied") never retries.
type classifyRule struct {
	needles  []string
	category Category
}

var classifyRules = []classifyRule{
	{[]string{"no such file", "file not found", "does not exist"}, CategoryPermanent},
	{[]string{"permission denied", "unauthorized", "forbidden", "access denied"}, CategoryPermanent},
	{[]string{"connection", "timeout", "timed out", "broken pipe", "reset by peer"}, CategoryRecoverable},
	{[]string{"out of memory", "memory limit", "cannot allocate"}, CategoryRecoverable},
	{[]string{"schema", "validation", "invalid field"}, CategoryUserAction},
	{[]string{"rate limit", "too many requests", "429"}, CategoryRecoverable},
}

// Classify grades a raw error message. Unrecognized messages default to
// recoverable so that unknown transient conditions get their retries.
func Classify(msg string) Category {
	lower := strings.ToLower(msg)
	for _, rule := range classifyRules {
		for _, n := range rule.needles {
			if strings.Contains(lower, n) {
				return rule.category
			}
		}
	}
	return CategoryRecoverable
}
