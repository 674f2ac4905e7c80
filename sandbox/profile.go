package sandbox

import (
	"fmt"
	"strings"
)

// buildProfile generates a seatbelt policy for sandbox-exec: deny by
// default, then explicit allows for process spawning, system/framework
// reads, reads of the instance tree, and writes restricted to the
// instance's workspace, output, and the temp directories. Custom rules
// from the run config are appended verbatim.
func buildProfile(dirs instanceDirs, cfg RunConfig, allowNetwork bool) string {
	var b strings.Builder

	b.WriteString("(version 1)\n")
	b.WriteString("(deny default)\n\n")

	// Process lifecycle for the interpreter and its children.
	b.WriteString("(allow process-exec)\n")
	b.WriteString("(allow process-fork)\n")
	b.WriteString("(allow signal (target self))\n")
	b.WriteString("(allow sysctl-read)\n")
	b.WriteString("(allow mach-lookup)\n\n")

	// Read access: system libraries, interpreters, and the staged
	// instance tree (solution/ is covered read-only here).
	b.WriteString("; framework and library read paths\n")
	for _, p := range []string{
		"/usr/lib", "/usr/local", "/usr/bin", "/bin", "/sbin",
		"/System", "/Library", "/opt", "/private/etc", "/dev",
		"/var/db/dyld", "/private/var/db/timezone",
	} {
		fmt.Fprintf(&b, "(allow file-read* (subpath %q))\n", p)
	}
	fmt.Fprintf(&b, "(allow file-read* (subpath %q))\n", dirs.Root)
	b.WriteString("(allow file-read-metadata)\n\n")

	// Write access: only the instance's own scratch areas and temp.
	b.WriteString("; writes restricted to workspace, output, and temp\n")
	for _, p := range []string{dirs.Workspace, dirs.Output, "/private/tmp", "/private/var/tmp", "/private/var/folders", "/dev/null"} {
		fmt.Fprintf(&b, "(allow file-write* (subpath %q))\n", p)
	}
	b.WriteString("\n")

	if allowNetwork {
		b.WriteString("; network explicitly allowed for this run\n")
		b.WriteString("(allow network*)\n")
		b.WriteString("(allow system-socket)\n\n")
	}

	if rules := strings.TrimSpace(cfg.SandboxRules); rules != "" {
		b.WriteString("; custom rules\n")
		b.WriteString(rules)
		b.WriteString("\n")
	}

	return b.String()
}
