package main

import (
	"strings"

	"github.com/chzyer/readline"
)

const (
	ColorReset  = "\033[0m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
)

var commands = []string{
	"put",
	"get",
	"del",
	"scan",
	"flush",
	"compact",
	"stats",
	"wal",
	"table",
	"help",
	"exit",
}

// completer completes the command word.
type completer struct{}

// Do is called by chzyer/readline.
func (c completer) Do(line []rune, pos int) ([][]rune, int) {
	word := string(line[:pos])
	if strings.ContainsRune(word, ' ') {
		return nil, 0
	}
	var suggestions [][]rune
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, strings.ToLower(word)) {
			// Only the missing suffix, readline inserts it after the cursor.
			if suffix := cmd[len(word):]; suffix != "" {
				suggestions = append(suggestions, []rune(suffix))
			}
		}
	}
	return suggestions, len(word)
}

// RunCLI reads commands until EOF or exit.
func RunCLI(sh *shell, rl *readline.Instance) {
	for {
		line, err := rl.Readline()
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if sh.handle(line) {
			return
		}
	}
}
