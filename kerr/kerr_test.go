package kerr

import "testing"

func TestNegIsNegativeOfCode(t *testing.T) {
	if got := ENOENT.Neg(); got != -5 {
		t.Fatalf("ENOENT.Neg() = %d, want -5", got)
	}
}

func TestErrorStringsAreDistinct(t *testing.T) {
	codes := []Errno{ESRCH, ENOMEM, EBADF, EINVAL, ENOENT, EEXIST, ENOTDIR,
		EISDIR, ENOTEMPTY, EPIPE, ENOSPC, EMFILE, ENOSYS, EFAULT, EPERM,
		ENAMETOOLONG, EINTR, ENOEXEC}
	seen := make(map[string]Errno)
	for _, c := range codes {
		msg := c.Error()
		if msg == "unknown error" {
			t.Fatalf("%d has no Error() string", c)
		}
		if prior, ok := seen[msg]; ok {
			t.Fatalf("%d and %d share the Error() string %q", c, prior, msg)
		}
		seen[msg] = c
	}
}

func TestUnknownErrnoString(t *testing.T) {
	var e Errno = 999
	if e.Error() != "unknown error" {
		t.Fatalf("out-of-range Errno.Error() = %q, want %q", e.Error(), "unknown error")
	}
}
