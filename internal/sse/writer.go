package sse

import "bufio"

// Drive runs bridge to completion against w, writing and flushing one frame
// at a time, never batched. It is meant to run inside a fasthttp
// ctx.SetBodyStreamWriter callback, called only after the caller has already
// primed the bridge with a first Next() call and decided to commit to a
// streaming response.
func Drive(w *bufio.Writer, first []byte, bridge *Bridge) {
	if len(first) > 0 {
		if _, err := w.Write(first); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
	for {
		frame, finished, _ := bridge.Next()
		if len(frame) > 0 {
			if _, err := w.Write(frame); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
		if finished {
			return
		}
	}
}
