// Package installation decides which stored device installation a write
// refers to.
//
// A device is identified by up to three keys: the installation objectId, the
// client-generated installationId and the push deviceToken. The write pipeline
// looks up every installation matching any of the keys in one query and hands
// the matches to Resolve, which returns the objectId to write to (if any) and
// the stale installations to delete first. Resolve does no I/O.
package installation
