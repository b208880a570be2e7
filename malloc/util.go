package malloc

import "fmt"
import "errors"

// ErrorOutofMemory the OS refused memory, or committing more would
// cross the configured capacity.
var ErrorOutofMemory = errors.New("malloc.outofmemory")

// ErrorChunkFull the chunk's remaining page slots cannot hold the
// requested run of pages.
var ErrorChunkFull = errors.New("malloc.chunkfull")

func panicerr(fmsg string, args ...interface{}) {
	panic(fmt.Errorf(fmsg, args...))
}

func alignup(n, align int64) int64 {
	return (n + align - 1) &^ (align - 1)
}
