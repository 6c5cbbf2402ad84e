package writer

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rmdav/rmdav/internal/store"
)

// copyChunk bounds how much payload is moved per write so a slow or
// canceled client never pins large buffers on the device.
const copyChunk = 256 << 10

// staging accumulates not-yet-visible files and promotes them in order on
// commit. The last added file must be the one whose rename makes the
// mutation visible (the .metadata record for creates).
type staging struct {
	dir   *store.Dir
	steps []stagingStep
}

type stagingStep struct {
	tmp   *os.File
	final string
}

// addBytes stages a small record file.
func (st *staging) addBytes(b []byte, final string) error {
	f, err := st.dir.NewStagedFile()
	if err != nil {
		return fmt.Errorf("stage %s: %w", final, err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("stage %s: %w", final, err)
	}
	st.steps = append(st.steps, stagingStep{tmp: f, final: final})
	return nil
}

// addStream stages a payload by copying r in bounded chunks, honoring
// cancellation and the size limit. The payload is never held in memory.
func (st *staging) addStream(ctx context.Context, r io.Reader, limit int64, final string) error {
	f, err := st.dir.NewStagedFile()
	if err != nil {
		return fmt.Errorf("stage %s: %w", final, err)
	}
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			f.Close()
			os.Remove(f.Name())
			return err
		}
		n, err := io.CopyN(f, r, copyChunk)
		total += n
		if total > limit {
			f.Close()
			os.Remove(f.Name())
			return fmt.Errorf("%w (limit %d bytes)", ErrTooLarge, limit)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			f.Close()
			os.Remove(f.Name())
			return fmt.Errorf("stage %s: %w", final, err)
		}
	}
	st.steps = append(st.steps, stagingStep{tmp: f, final: final})
	return nil
}

// abort discards all staged files; the store is untouched.
func (st *staging) abort() {
	for _, s := range st.steps {
		s.tmp.Close()
		os.Remove(s.tmp.Name())
	}
	st.steps = nil
}

// commit promotes the staged files in order. If a promote fails, files
// already promoted in this commit are unlinked again: they are invisible
// without the final metadata rename, so the observable store returns to
// its prior state.
func (st *staging) commit() error {
	promoted := make([]string, 0, len(st.steps))
	for i, s := range st.steps {
		if err := st.dir.Promote(s.tmp, s.final); err != nil {
			for _, f := range promoted {
				os.Remove(f)
			}
			for _, rest := range st.steps[i+1:] {
				rest.tmp.Close()
				os.Remove(rest.tmp.Name())
			}
			st.steps = nil
			return err
		}
		promoted = append(promoted, s.final)
	}
	st.steps = nil
	return nil
}
