package command

import (
	"strings"

	appErr "unithost/pkg/errors"

	"github.com/google/shlex"
)

// Command is a parsed text command.
type Command struct {
	Name string
	Args []string
}

type commandSpec struct {
	name    string
	minArgs int
	usage   string
	help    string
}

var commandSpecs = []commandSpec{
	{name: "run", minArgs: 1, usage: "run <unit>", help: "run a stored unit"},
	{name: "stop", minArgs: 1, usage: "stop <unit>", help: "stop a running unit"},
	{name: "host", minArgs: 1, usage: "host <unit.py>", help: "host a unit as a web service under your path"},
	{name: "unhost", minArgs: 1, usage: "unhost <unit.py>", help: "stop hosting a unit"},
	{name: "status", usage: "status", help: "show host status"},
	{name: "files", usage: "files", help: "list stored units"},
	{name: "jobs", usage: "jobs", help: "list running units"},
	{name: "apis", usage: "apis", help: "list hosted units"},
	{name: "delete", minArgs: 1, usage: "delete <unit>", help: "delete a unit, stopping and unhosting it first"},
	{name: "clear", usage: "clear confirm", help: "delete all units and stop everything (admin)"},
	{name: "install", minArgs: 1, usage: "install <package>...", help: "install interpreter packages"},
	{name: "import", usage: "import [object-key]", help: "import a unit from object storage; without a key, list what can be imported"},
	{name: "help", usage: "help", help: "show this help"},
}

var aliases = map[string]string{
	"start":   "run",
	"mount":   "host",
	"unmount": "unhost",
	"units":   "files",
	"mounts":  "apis",
	"rm":      "delete",
	"pip":     "install",
}

func lookupSpec(name string) (commandSpec, bool) {
	if canonical, ok := aliases[name]; ok {
		name = canonical
	}
	for _, spec := range commandSpecs {
		if spec.name == name {
			return spec, true
		}
	}
	return commandSpec{}, false
}

// Parse tokenizes a command line. A leading slash and a bot mention
// ("/run@hostbot") are ignored.
func Parse(line string) (Command, error) {
	tokens, err := shlex.Split(line)
	if err != nil {
		return Command{}, appErr.Newf(appErr.InvalidFormat, "cannot parse command: %v", err)
	}
	if len(tokens) == 0 {
		return Command{}, appErr.Newf(appErr.MissingArgs, "empty command, send help for usage")
	}
	name := strings.ToLower(strings.TrimPrefix(tokens[0], "/"))
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	spec, ok := lookupSpec(name)
	if !ok {
		return Command{}, appErr.Newf(appErr.UnknownCommand, "unknown command %q, send help for usage", name)
	}
	args := tokens[1:]
	if len(args) < spec.minArgs {
		return Command{}, appErr.Newf(appErr.MissingArgs, "usage: %s", spec.usage)
	}
	return Command{Name: spec.name, Args: args}, nil
}

// HelpText lists the available commands.
func HelpText() string {
	var b strings.Builder
	b.WriteString("Commands:")
	for _, spec := range commandSpecs {
		b.WriteString("\n  ")
		b.WriteString(spec.usage)
		b.WriteString(" - ")
		b.WriteString(spec.help)
	}
	return b.String()
}
