package config

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// ReadPassword prompts for a secret without echoing it to the terminal.
func ReadPassword(prompt string) (string, error) {
	fmt.Print(prompt)

	// Try terminal-based password reading (no echo).
	fd := int(os.Stdin.Fd())
	password, err := term.ReadPassword(fd)
	if err != nil {
		// Fallback: read from stdin (with echo — for piped input or non-TTY).
		var buf [1024]byte
		n, readErr := os.Stdin.Read(buf[:])
		if readErr != nil {
			return "", fmt.Errorf("reading password: %w", readErr)
		}
		password = buf[:n]
	}

	fmt.Println()
	return strings.TrimSpace(string(password)), nil
}
