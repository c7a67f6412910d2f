// Package modcheck defines the common types for the moderation pipeline:
// the request to classify, the per-stage audit response, the final
// classification result and the category enum.
package modcheck

import (
	"fmt"
	"strings"
)

// Category is a closed set of moderation verdicts.
type Category string

// enum of moderation categories
const (
	CategoryClean    Category = "clean"    // no violation detected
	CategoryMinor    Category = "minor"    // minor violation, message kept
	CategorySevere   Category = "severe"   // serious violation, message removed
	CategoryRegistry Category = "registry" // mention of a person from the restricted registry
	CategorySpam     Category = "spam"     // near-duplicate of a recent message
	CategoryError    Category = "error"    // classification failed, verdict is a placeholder
)

// Request is a single message to classify.
type Request struct {
	Msg      string `json:"msg"`       // message text
	UserID   string `json:"user_id"`   // user id
	UserName string `json:"user_name"` // user name
	ChatID   int64  `json:"chat_id"`   // chat the message was posted to
}

func (r *Request) String() string {
	return fmt.Sprintf("msg:%q, user:%q, id:%s, chat:%d", r.Msg, r.UserName, r.UserID, r.ChatID)
}

// Response is an outcome of a single pipeline stage, kept for audit.
type Response struct {
	Name    string `json:"name"`    // name of the stage
	Flagged bool   `json:"flagged"` // true if the stage flagged the message
	Details string `json:"details"` // details of the stage outcome
	Error   error  `json:"-"`       // error, if any. Not serialized
}

func (r *Response) String() string {
	state := "ok"
	if r.Flagged {
		state = "flagged"
	}
	return fmt.Sprintf("%s: %s, %s", r.Name, state, r.Details)
}

// Result is the final classification for one message. Immutable once
// produced; the calling layer maps categories to side effects.
type Result struct {
	Category Category   `json:"category"`
	Reason   string     `json:"reason"`
	Score    float64    `json:"score"` // risk score in [0, 1]
	HasLinks bool       `json:"has_links"`
	Links    []string   `json:"links,omitempty"`
	Checks   []Response `json:"checks,omitempty"` // per-stage audit trail
}

func (r *Result) String() string {
	return fmt.Sprintf("%s (%.2f): %s", r.Category, r.Score, r.Reason)
}

// ChecksToString converts a slice of stage responses to a string
func ChecksToString(checks []Response) string {
	elems := []string{}
	for _, r := range checks {
		elems = append(elems, "{"+r.String()+"}")
	}
	return fmt.Sprintf("[%s]", strings.Join(elems, ", "))
}
