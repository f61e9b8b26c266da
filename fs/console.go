package fs

import (
	"context"
	"sync"

	"oslab/klock"
)

/// DevConsole is the console device's major number, grounded on
/// defs.D_CONSOLE.
const DevConsole = 1

const consoleBufSize = 128

/// Console is the 128-byte line-buffered input ring driven by
/// (simulated) UART interrupts, grounded on kernel/console.c.
type Console struct {
	mu   sync.Mutex
	cond *sync.Cond
	buf  [consoleBufSize]byte
	// rid/wid follow the original's unbounded counters, indexed mod
	// consoleBufSize; eid marks the edit boundary the last ^U/backspace
	// cannot erase past.
	rid, wid, eid int

	killFn func() // invoked by ^C, wired to proc.Kill(currentPid)

	out func(b byte) // UART output sink for echo and Write
}

/// NewConsole constructs a console whose output sink is out and whose
/// ^C handler is killFn (normally proc.Kill on the foreground pid).
func NewConsole(out func(byte), killFn func()) *Console {
	c := &Console{out: out, killFn: killFn}
	c.cond = sync.NewCond(&c.mu)
	return c
}

const (
	asciiBackspace = 0x7f
	asciiCtrlC     = 'C' - '@'
	asciiCtrlU     = 'U' - '@'
	asciiCtrlD     = 'D' - '@'
)

/// Intr feeds one byte from the UART into the console's input ring,
/// handling the special characters. Grounded on console_intr.
func (c *Console) Intr(b byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch b {
	case asciiCtrlC:
		if c.killFn != nil {
			c.killFn()
		}
	case asciiCtrlU:
		for c.wid != c.eid && c.buf[(c.wid-1)%consoleBufSize] != '\n' {
			c.wid--
			c.echo(asciiBackspace)
		}
	case asciiBackspace:
		if c.wid != c.eid {
			c.wid--
			c.echo(asciiBackspace)
		}
	default:
		if c.wid-c.rid < consoleBufSize {
			if b == '\r' {
				b = '\n'
			}
			c.buf[c.wid%consoleBufSize] = b
			c.wid++
			c.echo(b)
			if b == '\n' || b == asciiCtrlD || c.wid-c.rid == consoleBufSize {
				c.eid = c.wid
				c.cond.Broadcast()
			}
		}
	}
}

func (c *Console) echo(b byte) {
	if c.out != nil {
		c.out(b)
	}
}

// ConsoleRead is the package-level entry point fs.Inode.Read dispatches
// to for DEV_CONSOLE reads; it reads from the single global console
// instance installed by InstallConsole.
func ConsoleRead(dst []byte) int {
	if globalConsole == nil {
		return 0
	}
	return globalConsole.Read(context.Background(), dst)
}

var globalConsole *Console

/// InstallConsole registers c as the console the inode layer's DEVICE
/// dispatch reads from.
func InstallConsole(c *Console) {
	globalConsole = c
}

/// Read delivers bytes up to and including a newline or ^D, blocking
/// until a full line is available. Per SPEC_FULL.md/§9, each consumed
/// byte is read at rid%consoleBufSize then rid is post-incremented
/// (fixing the original's buf[++rid%128] skip-ahead bug). Grounded on
/// console_read.
func (c *Console) Read(ctx context.Context, dst []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for n < len(dst) {
		for c.rid == c.eid {
			if !klock.CondWaitAlertable(ctx, c.cond) {
				return n
			}
		}
		b := c.buf[c.rid%consoleBufSize]
		c.rid++
		if b == asciiCtrlD {
			if n == 0 {
				n = -1
			}
			break
		}
		dst[n] = b
		n++
		if b == '\n' {
			break
		}
	}
	return n
}

/// Write emits data to the UART output sink under the console's lock.
/// Grounded on console_write.
func (c *Console) Write(data []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range data {
		c.echo(b)
	}
	return len(data)
}
