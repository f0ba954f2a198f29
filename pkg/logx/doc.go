// Package logx is taskpilot's structured logging: a small Logger value over
// zerolog whose sinks (human console, JSON console, JSON file) can be swapped
// at runtime when the config file is reloaded.
package logx
