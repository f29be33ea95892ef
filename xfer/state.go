package xfer

import "strings"

// State represents where a Transfer sits in the SEND/RESUME/ACCEPT
// negotiation and the data pump that follows it. States are bit flags,
// grounded on client.TransferState, so a terminal State can still carry a
// completion reason.
type State uint32

const (
	// StateInit is the state before "XDCC SEND" has been sent.
	StateInit State = 1 << iota
	// StateAwaitSend is waiting for the bot's CTCP DCC SEND.
	StateAwaitSend
	// StateAwaitAccept is waiting for a DCC ACCEPT confirming a RESUME offer.
	StateAwaitAccept
	// StateDownloading is pumping bytes on the TCP data channel.
	StateDownloading
	// StateDone is the terminal flag; combined with exactly one reason flag.
	StateDone

	// StateSucceeded marks a Done transfer that renamed its .part to the
	// final name.
	StateSucceeded
	// StateCancelled marks a Done transfer killed by an external cancel.
	StateCancelled
	// StateErrored marks a Done transfer that ended in a dlerror.
	StateErrored
)

// IsDone reports whether the transfer has reached a terminal state.
func (s State) IsDone() bool {
	return s&StateDone != 0
}

// String returns a human-readable, comma-joined representation.
func (s State) String() string {
	var parts []string
	for _, f := range []struct {
		bit  State
		name string
	}{
		{StateInit, "Init"},
		{StateAwaitSend, "AwaitSend"},
		{StateAwaitAccept, "AwaitAccept"},
		{StateDownloading, "Downloading"},
		{StateDone, "Done"},
		{StateSucceeded, "Succeeded"},
		{StateCancelled, "Cancelled"},
		{StateErrored, "Errored"},
	} {
		if s&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "None"
	}
	return strings.Join(parts, ", ")
}
