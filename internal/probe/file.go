package probe

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/runtime"
)

type fileProber struct {
	path   string
	absent bool
	maxAge time.Duration
	now    func() time.Time
}

func newFileProber(spec *config.FileCheckSpec) Prober {
	return &fileProber{
		path:   spec.Path,
		absent: spec.Absent,
		maxAge: spec.MaxAge.Duration,
		now:    time.Now,
	}
}

func (p *fileProber) Probe(ctx context.Context, _ runtime.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(p.path)
	if p.absent {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil
		case err != nil:
			return fmt.Errorf("stat %s: %w", p.path, err)
		default:
			return fmt.Errorf("%s exists", p.path)
		}
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s does not exist", p.path)
		}
		return fmt.Errorf("stat %s: %w", p.path, err)
	}
	if p.maxAge > 0 {
		if age := p.now().Sub(info.ModTime()); age > p.maxAge {
			return fmt.Errorf("%s is stale: modified %s ago", p.path, age.Round(time.Millisecond))
		}
	}
	return nil
}
