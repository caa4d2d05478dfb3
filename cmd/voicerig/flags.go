package main

import "time"

// Flag structs decouple cobra from the handlers for testing.

// GlobalFlags holds the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	APIUrl     string
}

// StartFlags holds flags for the start and restart commands.
type StartFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

// StatusFlags holds flags for the status command.
type StatusFlags struct {
	Name       string
	JSON       bool
	APITimeout time.Duration
}

// SuperviseFlags holds flags for the supervise command.
type SuperviseFlags struct {
	Listen string
}

// FileserverFlags holds flags for the fileserver command.
type FileserverFlags struct {
	Dir    string
	Listen string
}
