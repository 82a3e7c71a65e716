package ipc

import "time"

// Request is a JSON message sent from client to server.
type Request struct {
	Command string            `json:"command"` // "status", "stop", "ping"
	Args    map[string]string `json:"args,omitempty"`
}

// Response is a JSON message sent from server to client.
type Response struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// StatusData is returned by the "status" command.
type StatusData struct {
	StartedAt      *time.Time `json:"started_at,omitempty"`
	LastChangeAt   *time.Time `json:"last_change_at,omitempty"`
	LastPublishAt  *time.Time `json:"last_publish_at,omitempty"`
	Uptime         string     `json:"uptime"`
	State          string     `json:"state"`
	LastError      string     `json:"last_error,omitempty"`
	MountPoint     string     `json:"mount_point"`
	StorageFile    string     `json:"storage_file"`
	DBSizeBytes    int64      `json:"db_size_bytes"`
	Publishes      int        `json:"publishes"`
	Failures       int        `json:"failures"`
	TotalPublishes int64      `json:"total_publishes"`
	TotalFailures  int64      `json:"total_failures"`
	Dirty          bool       `json:"dirty"`
}
