// Package governor decides whether, when, and through what identity an
// outbound request to a content site may be sent. It owns pacing, session
// rotation, failure accounting, and ban-signal escalation; it never performs
// network I/O itself.
package governor
