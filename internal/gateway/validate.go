// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"regexp"
	"strings"
)

// reDangerousEscape matches OSC/DCS introducers and cursor-repositioning
// CSI sequences a malicious client could use to manipulate the agent's
// terminal view or smuggle control sequences past the PTY into another
// session's rendering. Plain printable text, including literal bracketed
// tokens like "[CHAT_RESPONSE]", never matches.
var reDangerousEscape = regexp.MustCompile(`\x1b(?:\]|P|\[[0-9;]*[ABCDHfJKSTu])`)

// validateInput rejects raw client keystrokes that carry null bytes or
// terminal-control escape sequences rather than plain text/Enter/Ctrl-C,
// returning the input unchanged when it is safe to write to the PTY.
func validateInput(data string) (string, error) {
	if strings.ContainsRune(data, '\x00') {
		return "", fmt.Errorf("null byte in input")
	}
	if reDangerousEscape.MatchString(data) {
		return "", fmt.Errorf("control escape sequence not allowed")
	}
	return data, nil
}
