//go:build !linux

package guestmem

import "fmt"

func allocateBacking(size uint64, opts Options) ([]byte, func() error, error) {
	if opts.Lock {
		return nil, nil, fmt.Errorf("locked guest memory is only supported on linux")
	}
	maxInt := uint64(^uint(0) >> 1)
	if size > maxInt {
		return nil, nil, fmt.Errorf("size %d exceeds host address limit", size)
	}
	return make([]byte, size), nil, nil
}
