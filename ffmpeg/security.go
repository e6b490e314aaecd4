package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// SplitCommand splits an argument string without involving a shell.
func SplitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command syntax: %w", err)
	}
	return args, nil
}

// SanitizeArgs rejects shell metacharacters and any flag listed in denied.
// Flags are matched exactly and in their "--flag=value" form.
func SanitizeArgs(args []string, denied ...string) error {
	for _, arg := range args {
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
		name, _, _ := strings.Cut(arg, "=")
		for _, d := range denied {
			if name == d {
				return fmt.Errorf("argument %s is managed by the server", d)
			}
		}
	}
	return nil
}
