// Package srt implements the SRT (Secure Reliable Transport) packet source,
// either listening for one publisher at a time or calling a remote SRT
// listener to pull a stream.
package srt
