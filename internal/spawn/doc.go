// Package spawn starts a command attached to a pseudoterminal.
//
// The command is never executed directly. It runs inside a small /bin/sh
// wrapper which, once the command terminated, prints a unique end marker and
// waits for a line of acknowledgment before it exits itself:
//
//	<shell> -c <command>; st=$?; echo <marker>; read ack; exit $st
//
// The caller therefore always gets the chance to read the final output of the
// command and to notice its normal completion before the OS process goes
// away. The exit status of the command is preserved.
//
// Launcher builds and starts the wrapper, Child owns the pty master and the
// pid of the started wrapper. Nothing in this package spawns goroutines; the
// child is reaped explicitly with Child.Reap.
package spawn
