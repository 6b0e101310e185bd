package ipc

import "time"

const (
	maxEventStreamClients = 64
	maxEditorClients      = 32

	maxWSReadBytesEventStream = 16 << 10
	maxWSReadBytesEditor      = 4 << 20

	editorOutboxSize  = 64
	eventOutboxSize   = 64
	wsWriteTimeout    = 10 * time.Second
	settingsWriteRate = 100 * time.Millisecond
)
