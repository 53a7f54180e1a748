package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// terminalChooser prompts on stdout and reads the pick from stdin. An
// empty answer takes the first option.
type terminalChooser struct{}

func (terminalChooser) Choose(prompt string, options []string) (int, error) {
	fmt.Println(prompt + ":")
	for i, opt := range options {
		fmt.Printf("  [%d] %s\n", i+1, opt)
	}
	fmt.Print("> ")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("reading selection: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(line)
	if err != nil || n < 1 || n > len(options) {
		return 0, fmt.Errorf("invalid selection %q", line)
	}
	return n - 1, nil
}
