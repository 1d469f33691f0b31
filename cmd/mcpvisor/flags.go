package main

import "time"

// APIFlags select and tune the daemon connection.
type APIFlags struct {
	URL      string
	Timeout  time.Duration
	Insecure bool
	JSON     bool
	Token    string
}

type TokenFlags struct {
	Subject string
	TTL     time.Duration
}

type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
	Autostart bool
}

type AddFlags struct {
	Name     string
	Command  string
	Env      []string
	Disabled bool
}

type UpdateFlags struct {
	Command string
	Args    []string
	Env     []string
}

type StatusFlags struct {
	Usage bool
}

type LogsFlags struct {
	Lines int
}
