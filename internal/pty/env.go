package pty

import "os"

// BuildEnv constructs the environment passed to a spawned child, starting
// from the server process's own environment and overlaying the values this
// system always sets for a shared terminal: TERM and COLORTERM are forced,
// LANG and LC_ALL are given UTF-8 defaults only if unset, and SHELL/HOME are
// set to the values the Session was configured with.
func BuildEnv(shell, home string) []string {
	env := os.Environ()
	env = setEnv(env, "TERM", "xterm-256color")
	env = setEnv(env, "COLORTERM", "truecolor")
	if os.Getenv("LANG") == "" {
		env = setEnv(env, "LANG", "en_US.UTF-8")
	}
	if os.Getenv("LC_ALL") == "" {
		env = setEnv(env, "LC_ALL", "en_US.UTF-8")
	}
	if shell != "" {
		env = setEnv(env, "SHELL", shell)
	}
	if home != "" {
		env = setEnv(env, "HOME", home)
	}
	return env
}

// setEnv replaces an existing KEY=value entry in env or appends a new one.
func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
