package common

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk
const chunkSize = 1024 * 1024 // 1 MiB

// ErrSameFile is returned when a copy would overwrite its own source.
var ErrSameFile = errors.New("source and destination are the same file")

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// CopyThrottled copies srcPath to dstPath, limiting throughput to
// rateBytesPerSec (0 means unlimited), and returns the SHA-256 of the bytes
// copied. The data goes to a temporary file next to dstPath that is synced
// and renamed into place, so dstPath is never left half written.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, rateBytesPerSec int64) (sum []byte, err error) {
	same, err := SameFile(srcPath, dstPath)
	if err != nil {
		return nil, err
	}
	if same {
		return nil, fmt.Errorf("copy %s to %s: %w", srcPath, dstPath, ErrSameFile)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	dst, err := os.CreateTemp(filepath.Dir(dstPath), filepath.Base(dstPath)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("open dst: %w", err)
	}
	defer func() {
		if err != nil {
			_ = dst.Close()
			_ = os.Remove(dst.Name())
		}
	}()

	sum, err = copyChunks(ctx, src, dst, rateBytesPerSec)
	if err != nil {
		return nil, err
	}
	if err := dst.Sync(); err != nil {
		return nil, fmt.Errorf("sync error: %w", err)
	}
	if err := dst.Close(); err != nil {
		return nil, fmt.Errorf("close dst: %w", err)
	}
	if err := os.Rename(dst.Name(), dstPath); err != nil {
		return nil, fmt.Errorf("rename into place: %w", err)
	}
	return sum, nil
}

// SameFile reports whether a and b name the same file. A b that does not
// exist yet is never the same file.
func SameFile(a, b string) (bool, error) {
	absA, err := filepath.Abs(a)
	if err != nil {
		return false, err
	}
	absB, err := filepath.Abs(b)
	if err != nil {
		return false, err
	}
	if absA == absB {
		return true, nil
	}
	infoB, err := os.Stat(b)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	infoA, err := os.Stat(a)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return os.SameFile(infoA, infoB), nil
}

func copyChunks(ctx context.Context, src *os.File, dst io.Writer, rateBytesPerSec int64) ([]byte, error) {
	var limiter *rate.Limiter
	if rateBytesPerSec > 0 {
		burst := chunkSize
		if rateBytesPerSec < int64(burst) {
			burst = int(rateBytesPerSec)
		}
		limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), burst)
	}

	sum := sha256.New()
	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	var readOff int64
	for {
		n, rerr := src.ReadAt(buf[:chunkSize], readOff)
		if n > 0 {
			if err := waitTokens(ctx, limiter, n); err != nil {
				return nil, fmt.Errorf("rate limiter: %w", err)
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return nil, fmt.Errorf("write error: %w", werr)
			}
			sum.Write(buf[:n])
			readOff += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read error: %w", rerr)
		}
	}

	return sum.Sum(nil), nil
}

// waitTokens blocks until n bytes may pass, in burst-sized steps since
// WaitN rejects requests larger than the limiter's burst.
func waitTokens(ctx context.Context, limiter *rate.Limiter, n int) error {
	if limiter == nil {
		return nil
	}
	for n > 0 {
		step := min(n, limiter.Burst())
		if err := limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}
