package main

// shortID truncates a client or broker order id for log lines, safely
// handling ids shorter than 8 characters.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
