package sampler

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/skobkin/fasd/internal/cpufreq"
)

const (
	cpufreqPath     = "devices/system/cpu/cpufreq"
	curFreqFilename = "scaling_cur_freq"
	maxFreqFilename = "scaling_max_freq"
)

// Reader reads current frequencies for a fixed set of policies.
type Reader struct {
	root     *os.Root
	policies []cpufreq.Policy
	logger   *slog.Logger
	now      func() time.Time
}

// NewReader opens the cpufreq directory below sysfsRoot.
func NewReader(sysfsRoot string, policies []cpufreq.Policy, logger *slog.Logger) (*Reader, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	root, err := os.OpenRoot(filepath.Join(sysfsRoot, cpufreqPath))
	if err != nil {
		return nil, fmt.Errorf("open cpufreq root: %w", err)
	}
	return &Reader{
		root:     root,
		policies: policies,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Sample reads every policy. Unreadable nodes are reported as nil values.
func (r *Reader) Sample() Sample {
	sample := Sample{
		Timestamp: r.now().UTC(),
		Policies:  make([]PolicySample, 0, len(r.policies)),
	}
	for _, p := range r.policies {
		sample.Policies = append(sample.Policies, PolicySample{
			ID:       p.ID,
			CurKHz:   r.readKHz(p.Name, curFreqFilename),
			LimitKHz: r.readKHz(p.Name, maxFreqFilename),
		})
	}
	return sample
}

// Close releases the directory handle.
func (r *Reader) Close() error {
	return r.root.Close()
}

func (r *Reader) readKHz(policy, file string) *int64 {
	data, err := r.root.ReadFile(filepath.Join(policy, file))
	if err != nil {
		r.logger.Debug("frequency node unreadable", "policy", policy, "file", file, "err", err)
		return nil
	}
	value, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		r.logger.Debug("frequency node malformed", "policy", policy, "file", file, "err", err)
		return nil
	}
	return &value
}
