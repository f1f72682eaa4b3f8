// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package output

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var (
	reChatResponse = regexp.MustCompile(`(?s)\[CHAT_RESPONSE(?::([^\]]+))?\](.*?)\[/CHAT_RESPONSE\]`)
	reNotify       = regexp.MustCompile(`(?s)\[NOTIFY\](.*?)\[/NOTIFY\]`)
	reSlackNotify  = regexp.MustCompile(`(?s)\[SLACK_NOTIFY\](.*?)\[/SLACK_NOTIFY\]`)

	// Context-usage patterns. Wire-critical: agents emit these verbatim.
	reContextOf  = regexp.MustCompile(`(?i)(\d{1,3})%\s*(?:of\s+)?context`)
	reContextCol = regexp.MustCompile(`(?i)context[:\s]+(\d{1,3})%`)
	reContextCtx = regexp.MustCompile(`(?i)(\d{1,3})%\s*ctx`)

	// Collapses line-wrap artifacts a terminal injects mid-JSON-string before parsing.
	reWrapRepair = regexp.MustCompile(`\s{2,}\n\s*`)
)

// span is a half-open byte range within the text a marker was extracted from.
type span struct {
	start, end int
}

// extractMarkers scans cleaned text for every complete bracketed/pattern
// form this package recognizes. It returns the markers found, in the order
// their opening token appears, along with the end offset of the
// furthest-reaching match so the caller can drop the consumed prefix of its
// rolling buffer.
func extractMarkers(sessionName, text string, exitPatterns []*regexp.Regexp) ([]Marker, int) {
	var markers []Marker
	consumedTo := 0

	for _, m := range reChatResponse.FindAllStringSubmatchIndex(text, -1) {
		convID := ""
		if m[2] != -1 {
			convID = text[m[2]:m[3]]
		}
		content := text[m[4]:m[5]]
		markers = append(markers, Marker{
			SessionName: sessionName,
			Kind:        MarkerChatResponse,
			ConvID:      convID,
			Content:     strings.TrimSpace(content),
			RawSpan:     text[m[0]:m[1]],
		})
		consumedTo = maxInt(consumedTo, m[1])
	}

	for _, m := range reNotify.FindAllStringSubmatchIndex(text, -1) {
		body := text[m[2]:m[3]]
		marker := Marker{
			SessionName: sessionName,
			Kind:        MarkerNotify,
			Content:     strings.TrimSpace(body),
			RawSpan:     text[m[0]:m[1]],
		}
		if payload, ok := parseNotifyBody(body); ok {
			marker.Notify = payload
			marker.ConvID = payload.ConversationID
		}
		markers = append(markers, marker)
		consumedTo = maxInt(consumedTo, m[1])
	}

	for _, m := range reSlackNotify.FindAllStringSubmatchIndex(text, -1) {
		body := text[m[2]:m[3]]
		marker := Marker{
			SessionName: sessionName,
			Kind:        MarkerSlackNotify,
			Content:     strings.TrimSpace(body),
			RawSpan:     text[m[0]:m[1]],
		}
		if payload, ok := parseSlackNotifyBody(body); ok {
			marker.SlackNotify = payload
		}
		markers = append(markers, marker)
		consumedTo = maxInt(consumedTo, m[1])
	}

	for _, re := range []*regexp.Regexp{reContextOf, reContextCol, reContextCtx} {
		for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
			pctStr := text[m[2]:m[3]]
			pct, err := strconv.Atoi(pctStr)
			if err != nil || pct < 0 || pct > 100 {
				continue
			}
			markers = append(markers, Marker{
				SessionName: sessionName,
				Kind:        MarkerContextUsage,
				Content:     pctStr,
				ContextPct:  pct,
				RawSpan:     text[m[0]:m[1]],
			})
			consumedTo = maxInt(consumedTo, m[1])
		}
	}

	for _, re := range exitPatterns {
		if loc := re.FindStringIndex(text); loc != nil {
			markers = append(markers, Marker{
				SessionName: sessionName,
				Kind:        MarkerRuntimeExit,
				Content:     text[loc[0]:loc[1]],
				RawSpan:     text[loc[0]:loc[1]],
			})
			consumedTo = maxInt(consumedTo, loc[1])
		}
	}

	return markers, consumedTo
}

// parseNotifyBody accepts either a JSON object or a header-block (key: value
// lines, a line containing only "---", then a markdown body).
func parseNotifyBody(body string) (*NotifyPayload, bool) {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "{") {
		repaired := reWrapRepair.ReplaceAllString(trimmed, " ")
		var payload NotifyPayload
		if err := json.Unmarshal([]byte(repaired), &payload); err == nil {
			return &payload, true
		}
		return nil, false
	}

	lines := strings.Split(trimmed, "\n")
	payload := NotifyPayload{}
	sepIdx := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == "---" {
			sepIdx = i
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch key {
		case "conversationid":
			payload.ConversationID = value
		case "channelid":
			payload.ChannelID = value
		case "threadts":
			payload.ThreadTS = value
		case "type":
			payload.Type = value
		case "title":
			payload.Title = value
		case "urgency":
			payload.Urgency = value
		}
	}
	if sepIdx == -1 {
		return nil, false
	}
	payload.Message = strings.TrimSpace(strings.Join(lines[sepIdx+1:], "\n"))
	return &payload, true
}

func parseSlackNotifyBody(body string) (*SlackNotifyPayload, bool) {
	trimmed := strings.TrimSpace(body)
	repaired := reWrapRepair.ReplaceAllString(trimmed, " ")
	var payload SlackNotifyPayload
	if err := json.Unmarshal([]byte(repaired), &payload); err != nil {
		return nil, false
	}
	return &payload, true
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
