// Package classify turns raw textual references into typed work items.
package classify

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Kind identifies the work item a reference classifies into.
type Kind string

// Classification outcomes.
const (
	KindInvite       Kind = "invite"
	KindChatMessage  Kind = "chat_message"
	KindMaybeChannel Kind = "maybe_channel"
)

// Result is the typed outcome of classifying one raw reference.
type Result struct {
	Kind Kind

	// InviteCode is set for KindInvite, without the leading '+'.
	InviteCode string

	// Alias is set for KindChatMessage and KindMaybeChannel.
	Alias string

	// ItemID is set for KindChatMessage.
	ItemID int64
}

// Classify parses a raw reference into a typed work item.
//
// The raw text must parse as an absolute URL. The first path segment decides:
// a segment starting with '+' is an invite code; otherwise an integer second
// segment addresses a specific item in the aliased destination, and no second
// segment means the alias may be a joinable channel. Every other shape is a
// classification error; callers mark such references permanently dead rather
// than retrying them.
func Classify(raw string) (Result, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Result{}, fmt.Errorf("parse reference: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Result{}, fmt.Errorf("reference %q is not an absolute url", raw)
	}

	// Strip exactly one leading slash so a doubled slash yields an empty
	// first segment instead of being silently collapsed.
	segments := strings.Split(strings.TrimPrefix(u.EscapedPath(), "/"), "/")
	first := segments[0]
	if first == "" {
		return Result{}, fmt.Errorf("reference %q has an empty first path segment", raw)
	}

	if strings.HasPrefix(first, "+") {
		code := strings.TrimPrefix(first, "+")
		if code == "" {
			return Result{}, fmt.Errorf("reference %q has an empty invite code", raw)
		}
		return Result{Kind: KindInvite, InviteCode: code}, nil
	}

	if len(segments) > 1 && segments[1] != "" {
		itemID, err := strconv.ParseInt(segments[1], 10, 64)
		if err != nil {
			return Result{}, fmt.Errorf("reference %q second segment is not an item id", raw)
		}
		return Result{Kind: KindChatMessage, Alias: first, ItemID: itemID}, nil
	}

	return Result{Kind: KindMaybeChannel, Alias: first}, nil
}
