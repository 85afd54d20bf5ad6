package ipc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// Verb is a command the daemon accepts through the command file.
type Verb string

const (
	VerbStart  Verb = "start"  // start <output>
	VerbStop   Verb = "stop"   // stop <output>
	VerbReload Verb = "reload" // re-read the config file
	VerbQuit   Verb = "quit"   // shut the daemon down
)

var ErrUnknownCommand = errors.New("unknown command")

// Command is one parsed line of the command file.
type Command struct {
	Verb   Verb
	Output string
}

func (c Command) String() string {
	if c.Output == "" {
		return string(c.Verb)
	}
	return string(c.Verb) + " " + c.Output
}

// ParseCommand parses "<verb> [output]". start and stop need an output name;
// reload and quit take none.
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("%w: empty", ErrUnknownCommand)
	}
	cmd := Command{Verb: Verb(strings.ToLower(fields[0]))}
	switch cmd.Verb {
	case VerbStart, VerbStop:
		if len(fields) != 2 {
			return Command{}, fmt.Errorf("%s: expected exactly one output name", cmd.Verb)
		}
		cmd.Output = fields[1]
	case VerbReload, VerbQuit:
		if len(fields) != 1 {
			return Command{}, fmt.Errorf("%s: takes no arguments", cmd.Verb)
		}
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, fields[0])
	}
	return cmd, nil
}

// WriteCommand replaces dir/cmd.txt with cmd.
func WriteCommand(dir string, cmd Command) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(dir, CommandFile), []byte(cmd.String()+"\n"), 0o644)
}

// ReadCommands reads and clears dir/cmd.txt. A missing or empty file yields
// no commands. Unparseable lines are reported together; the valid ones are
// still returned.
func ReadCommands(dir string) ([]Command, error) {
	path := filepath.Join(dir, CommandFile)
	// #nosec G304 -- dir is the configured state directory
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	// Clear before executing so a command never runs twice.
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return nil, err
	}

	var (
		cmds []Command
		errs []error
	)
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		cmd, err := ParseCommand(line)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cmds = append(cmds, cmd)
	}
	return cmds, errors.Join(errs...)
}
