package main

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string // path to TOML config file (optional)
	Root       string // installation root when no config file is given
	JSON       bool   // machine-readable output
}

// ServiceFlags selects one service for lifecycle commands. Empty means the
// whole fleet where the command supports it.
type ServiceFlags struct {
	Name string
}

// SwitchFlags holds flags for the switch command.
type SwitchFlags struct {
	Name    string
	Version string
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	Listen string
}
