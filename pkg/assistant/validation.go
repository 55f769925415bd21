package assistant

import (
	"strings"
)

// IsDangerousText reports whether text the model wants to type contains a
// destructive shell operation.
func IsDangerousText(text string) bool {
	dangerousCommands := []string{
		"rm -rf",
		"shutdown",
		"mkfs",
		"format c:",
		"del /f /s /q",
		"sc delete",
		"Reg Delete",
		"bcdedit",
		"diskpart",
		"cipher /w",
		"takeown",
		"powershell -Command \"(New-Object Net.WebClient).DownloadString",
		"Remove-Item -Recurse",
		"Stop-Process",
		":(){ :|:& };:",
	}

	lower := strings.ToLower(text)
	for _, cmd := range dangerousCommands {
		if strings.Contains(lower, strings.ToLower(cmd)) {
			return true
		}
	}
	return false
}
