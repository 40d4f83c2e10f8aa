/*
Package hook implements both sides of the daemon's hook wire protocol.

# Protocol

The endpoint listens on a unix stream socket with user-only
permissions. Each accepted connection carries exactly one hook
invocation:

 1. The client writes a single JSON hook event (at most 64 KiB) and
    half-closes its write side.
 2. The server applies the event to the session model.
 3. For a PermissionRequest the server answers with
    {"status":"waiting_for_approval"} and keeps the connection open
    until a frontend decision, the approval timeout, or shutdown, then
    writes {"decision":"allow"|"deny","reason":...} and closes. All
    other event types get no response body.

A second PermissionRequest for the same session supersedes the first:
the earlier connection receives {"decision":"deny","reason":"superseded"}.

# Shim

Forward and ForwardStdin implement the client side used by the
"claude-islandd hook" subcommand, which the Installer registers in the
assistant's settings file for every hooked lifecycle event. ForwardStdin
enriches the outgoing event with has_tty, detected from stdin's device
type and the parent process chain.
*/
package hook
