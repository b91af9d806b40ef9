// Package session owns the backend session lifecycle: the Store contract for
// the cross-process token record, and the Manager that decides between
// reusing the stored token and logging in again.
package session
