package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh/terminal"
)

var stdin = bufio.NewReader(os.Stdin)

func promptLine(prompt string) string {
	fmt.Print(prompt)
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		// stdin closed; behave like an explicit exit
		fmt.Println()
		os.Exit(0)
	}
	return strings.TrimSpace(line)
}

// promptChoice reads an integer in [min, max], reprompting on garbage.
func promptChoice(prompt string, min, max int) int {
	for {
		line := promptLine(prompt)
		n, err := strconv.Atoi(line)
		if err == nil && n >= min && n <= max {
			return n
		}
	}
}

// promptPassword reads without echo when stdin is a terminal, and falls
// back to a plain line read when it is not (pipes, tests).
func promptPassword(prompt string) string {
	fmt.Print(prompt)
	fd := int(os.Stdin.Fd())
	if terminal.IsTerminal(fd) {
		pass, err := terminal.ReadPassword(fd)
		fmt.Println()
		if err == nil {
			return strings.TrimSpace(string(pass))
		}
	}
	line, _ := stdin.ReadString('\n')
	return strings.TrimSpace(line)
}
