// Package mail sends account emails.
//
// Bodies are written in Markdown and rendered to HTML with goldmark; the plain
// Markdown is kept as the text part. Delivery goes through a Sender so the
// transport can be swapped (the CLI logs messages instead of sending them).
package mail
