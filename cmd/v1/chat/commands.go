package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/debatehub/session-chat/internal/v1/types"
)

type commandKind int

const (
	cmdSend commandKind = iota
	cmdQuit
	cmdHelp
	cmdRetry
	cmdReload
	cmdLeave
	cmdWho
	cmdTyping
	cmdStart
	cmdReschedule
	cmdCapacity
	cmdMute
	cmdWarn
	cmdRemove
)

// command is one parsed input line.
type command struct {
	kind        commandKind
	text        string
	start       time.Time
	capacity    int
	participant types.UserIDType
}

var errUnknownCommand = errors.New("unknown command, try /help")

const helpText = `Commands:
  /who                     presence, typing and viewers
  /typing                  tell others you are typing
  /retry                   reconnect after the chat gave up
  /reload                  reload the session view
  /leave                   give up your participant seat
  /start                   start the session now (moderator)
  /reschedule <RFC3339>    move the start time (moderator)
  /capacity <n>            change the participant limit (moderator)
  /mute|/warn|/remove <id> moderate a participant (moderator)
  /quit                    exit the client
Anything else is sent as a chat message.`

// parseCommand turns an input line into a command. Lines not starting with
// "/" are chat messages; "//" escapes a leading slash.
func parseCommand(line string) (command, error) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "/") {
		return command{kind: cmdSend, text: line}, nil
	}
	if strings.HasPrefix(trimmed, "//") {
		return command{kind: cmdSend, text: trimmed[1:]}, nil
	}

	fields := strings.Fields(trimmed)
	name, args := fields[0], fields[1:]

	switch name {
	case "/quit", "/exit":
		return command{kind: cmdQuit}, nil
	case "/help":
		return command{kind: cmdHelp}, nil
	case "/retry":
		return command{kind: cmdRetry}, nil
	case "/reload":
		return command{kind: cmdReload}, nil
	case "/leave":
		return command{kind: cmdLeave}, nil
	case "/who":
		return command{kind: cmdWho}, nil
	case "/typing":
		return command{kind: cmdTyping}, nil
	case "/start":
		return command{kind: cmdStart}, nil
	case "/reschedule":
		if len(args) != 1 {
			return command{}, fmt.Errorf("usage: /reschedule <RFC3339 time>")
		}
		start, err := time.Parse(time.RFC3339, args[0])
		if err != nil {
			return command{}, fmt.Errorf("invalid start time %q: %w", args[0], err)
		}
		return command{kind: cmdReschedule, start: start}, nil
	case "/capacity":
		if len(args) != 1 {
			return command{}, fmt.Errorf("usage: /capacity <n>")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return command{}, fmt.Errorf("invalid capacity %q", args[0])
		}
		return command{kind: cmdCapacity, capacity: n}, nil
	case "/mute", "/warn", "/remove":
		if len(args) != 1 {
			return command{}, fmt.Errorf("usage: %s <participant id>", name)
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return command{}, fmt.Errorf("invalid participant id %q", args[0])
		}
		kind := map[string]commandKind{"/mute": cmdMute, "/warn": cmdWarn, "/remove": cmdRemove}[name]
		return command{kind: kind, participant: types.UserIDType(id)}, nil
	}
	return command{}, errUnknownCommand
}
