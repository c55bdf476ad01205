// Package main implements the development agent binary. It speaks the
// stream-json protocol over stdin/stdout and answers prompts with scripted
// scenarios, so the runtime can be exercised end to end without a real
// model behind the agent command.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/sibyldev/sibyl/internal/agent/proc"
)

// sessionID identifies this process instance. Each execution spawns its own
// process, so the PID keeps parallel sessions distinct. A resumed session
// keeps its original id.
var sessionID = fmt.Sprintf("sibyl-dev-%d", os.Getpid())

func main() {
	model := parseFlag(os.Args, "--model", "sibyl-dev")
	if resumed := parseFlag(os.Args, "--resume", ""); resumed != "" {
		sessionID = resumed
	}

	scanner := bufio.NewScanner(os.Stdin)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	em := proc.NewEmitter(os.Stdout)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg proc.Incoming
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}

		if msg.Type == proc.TypeUser && msg.Message != nil {
			handlePrompt(em, scanner, msg.Message.Content, model)
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "sibyl-agent: scanner error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlag extracts the value of a --flag from args, accepting both
// "--flag value" and "--flag=value".
func parseFlag(args []string, flag, fallback string) string {
	for i, arg := range args[1:] {
		if arg == flag && i+1 < len(args)-1 {
			return args[i+2]
		}
		if strings.HasPrefix(arg, flag+"=") {
			return strings.TrimPrefix(arg, flag+"=")
		}
	}
	return fallback
}
