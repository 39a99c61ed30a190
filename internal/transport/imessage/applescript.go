package imessage

import (
	"fmt"
	"strings"
)

// Recipient and text travel as argv so they never need AppleScript escaping.
const sendScriptTmpl = `on run argv
	set targetBuddy to item 1 of argv
	set targetMessage to item 2 of argv
	tell application "Messages"
		set targetService to 1st account whose service type = %s
		set targetParticipant to participant targetBuddy of targetService
		send targetMessage to targetParticipant
	end tell
end run`

const quitScript = `tell application "FaceTime"
	if it is running then quit
end tell
tell application "Messages"
	if it is running then quit
end tell`

func sendScript(service string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(service)) {
	case "", "imessage":
		return fmt.Sprintf(sendScriptTmpl, "iMessage"), nil
	case "sms":
		return fmt.Sprintf(sendScriptTmpl, "SMS"), nil
	default:
		return "", fmt.Errorf("unsupported messages service %q (want iMessage or SMS)", service)
	}
}
