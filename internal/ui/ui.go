// Package ui renders the conversation, status line and notifications.
package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Role identifies who authored a rendered message
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Level styles statuses and notifications
type Level string

const (
	LevelInfo       Level = "info"
	LevelSuccess    Level = "success"
	LevelWarning    Level = "warning"
	LevelError      Level = "error"
	LevelReady      Level = "ready"
	LevelListening  Level = "listening"
	LevelProcessing Level = "processing"
)

// Renderer is everything the client shows the user
type Renderer interface {
	AddMessage(role Role, text string)
	SetStatus(text string, level Level)
	Notify(text string, level Level)
	SetConnection(online bool)
	Print(text string)
}

// Terminal renders to a text stream
type Terminal struct {
	mu            sync.Mutex
	out           io.Writer
	notifications bool
	status        string
	online        bool
}

// NewTerminal creates a Terminal. Notifications are dropped when disabled.
func NewTerminal(out io.Writer, notifications bool) *Terminal {
	return &Terminal{out: out, notifications: notifications, online: true}
}

func (t *Terminal) AddMessage(role Role, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch role {
	case RoleUser:
		fmt.Fprintf(t.out, "You: %s\n", text)
	default:
		fmt.Fprintf(t.out, "Agent: %s\n\n", text)
	}
}

// SetStatus prints the status only when it changes.
func (t *Terminal) SetStatus(text string, level Level) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if text == t.status {
		return
	}
	t.status = text
	fmt.Fprintf(t.out, "[%s] %s\n", level, text)
}

func (t *Terminal) Notify(text string, level Level) {
	if !t.notifications {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "(%s) %s\n", strings.ToUpper(string(level)), text)
}

func (t *Terminal) SetConnection(online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if online == t.online {
		return
	}
	t.online = online
	if online {
		fmt.Fprintln(t.out, "● online")
	} else {
		fmt.Fprintln(t.out, "○ offline")
	}
}

func (t *Terminal) Print(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, text)
}

// Status returns the last status text
func (t *Terminal) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Online reports the connection indicator
func (t *Terminal) Online() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online
}
