package vfs

import (
	"bufio"
	"io"
	"sync"

	"github.com/biscuit-teach/miniswap/internal/defs"
	"github.com/biscuit-teach/miniswap/internal/fdops"
)

/// Console is the D_CONSOLE device: reads pull lines from an underlying
/// reader, writes go straight to an underlying writer. The three
/// boot-time fds (spec.md §4.6 "Console bootstrap") all share one
/// Console instance, so Reopen just bumps a refcount rather than
/// duplicating any state.
type Console struct {
	mu     sync.Mutex
	in     *bufio.Reader
	out    io.Writer
	refs   int
	closed bool
}

/// NewConsole wraps in/out as the kernel's single console device.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{in: bufio.NewReader(in), out: out, refs: 1}
}

func (c *Console) Read(p []byte) (int, defs.Err_t) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.in.Read(p)
	if err != nil && err != io.EOF {
		return n, -defs.EIO
	}
	return n, 0
}

func (c *Console) Write(p []byte) (int, defs.Err_t) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.out.Write(p)
	if err != nil {
		return n, -defs.EIO
	}
	return n, 0
}

func (c *Console) Fstat(st *fdops.Stat_t) defs.Err_t {
	st.Dev = uint(defs.D_CONSOLE)
	return 0
}

// Lseek: the console is not seekable (spec.md §4.6 "seek rejects
// non-seekable devices").
func (c *Console) Lseek(off int, whence int) (int, defs.Err_t) {
	return 0, -defs.ESPIPE
}

func (c *Console) Reopen() defs.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs++
	return 0
}

func (c *Console) Close() defs.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs--
	if c.refs == 0 {
		c.closed = true
	}
	return 0
}
