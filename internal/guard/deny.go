// Package guard screens text injected into agent terminals. Keystrokes sent
// through the daemon land in a live shell with the agent's privileges, so
// obviously destructive commands are rejected before they reach the pane.
package guard

import "strings"

// denyList holds lowercase substrings that block an injection outright.
// Matching is deliberately coarse; an operator who really needs one of these
// can type it in the pane directly.
var denyList = []string{
	"rm -rf /",
	"rm -rf ~",
	"rm -rf *",
	"rm -rf .",
	"rm -rf ..",
	"rm -rf .git",
	"rm -fr /",
	"rm --recursive --force /",
	"git push --force",
	"git push -f",
	"git reset --hard",
	"git clean -fdx",
	"git clean -xdf",
	"mkfs.",
	"dd if=",
	"> /dev/sda",
	":(){ :|:& };:",
	"chmod -r 777 /",
	"chown -r",
	"| sh",
	"| bash",
	"shutdown",
	"reboot",
	"killall",
}

// Blocked reports whether input contains a denied command, returning the
// matched pattern for the error message.
func Blocked(input string) (string, bool) {
	lower := strings.ToLower(input)
	for _, pattern := range denyList {
		if strings.Contains(lower, pattern) {
			return pattern, true
		}
	}
	return "", false
}
