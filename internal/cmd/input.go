package cmd

import (
	"errors"
	"fmt"
	"strings"

	"chat-client/internal/models"
)

var errUsage = errors.New("usage")

// inputKind classifies one line typed in the chat prompt.
type inputKind int

const (
	inputAction inputKind = iota
	inputUpload
	inputList
	inputQuit
	inputHelp
)

type input struct {
	kind   inputKind
	action models.Action
	path   string // file to upload for inputUpload
}

const helpText = `commands:
  <text>               send a text message
  /edit <id> <text>    edit one of your messages
  /delete <id>         delete a message
  /retry <id>          resend a failed message
  /image <file>        upload and send an image
  /video <file>        upload and send a video
  /list                print the whole log
  /quit                leave the chat`

func parseInput(line string) (input, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return input{}, fmt.Errorf("%w: empty message", errUsage)
	}
	if !strings.HasPrefix(line, "/") {
		return input{kind: inputAction, action: models.Action{Type: models.ActionSend, Kind: models.KindText, Body: line}}, nil
	}

	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "/edit":
		id, body, _ := strings.Cut(rest, " ")
		body = strings.TrimSpace(body)
		if id == "" || body == "" {
			return input{}, fmt.Errorf("%w: /edit <id> <text>", errUsage)
		}
		return input{kind: inputAction, action: models.Action{Type: models.ActionEdit, ID: id, Body: body}}, nil
	case "/delete", "/retry":
		if rest == "" || strings.Contains(rest, " ") {
			return input{}, fmt.Errorf("%w: %s <id>", errUsage, name)
		}
		typ := models.ActionDelete
		if name == "/retry" {
			typ = models.ActionRetry
		}
		return input{kind: inputAction, action: models.Action{Type: typ, ID: rest}}, nil
	case "/image", "/video":
		if rest == "" {
			return input{}, fmt.Errorf("%w: %s <file>", errUsage, name)
		}
		kind := models.KindImage
		if name == "/video" {
			kind = models.KindVideo
		}
		return input{kind: inputUpload, path: rest, action: models.Action{Type: models.ActionSend, Kind: kind}}, nil
	case "/list":
		return input{kind: inputList}, nil
	case "/quit", "/exit":
		return input{kind: inputQuit}, nil
	case "/help":
		return input{kind: inputHelp}, nil
	}
	return input{}, fmt.Errorf("%w: unknown command %s, try /help", errUsage, name)
}
