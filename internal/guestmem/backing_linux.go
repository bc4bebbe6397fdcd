//go:build linux

package guestmem

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

func allocateBacking(size uint64, opts Options) ([]byte, func() error, error) {
	maxInt := uint64(^uint(0) >> 1)
	if size > maxInt {
		return nil, nil, fmt.Errorf("size %d exceeds host address limit", size)
	}

	mem, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE|unix.MAP_NORESERVE,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap: %w", err)
	}

	if opts.HugePages {
		// Best effort; not every kernel has THP enabled.
		if err := unix.Madvise(mem, unix.MADV_HUGEPAGE); err != nil {
			slog.Debug("guestmem: madvise hugepage", "size", size, "err", err)
		}
	}

	if opts.Lock {
		if err := unix.Mlock(mem); err != nil {
			unix.Munmap(mem)
			return nil, nil, fmt.Errorf("mlock: %w", err)
		}
	}

	release := func() error {
		if opts.Lock {
			_ = unix.Munlock(mem)
		}
		return unix.Munmap(mem)
	}
	return mem, release, nil
}
