// Package cpufreq discovers cpufreq policies and steers their frequency limits.
package cpufreq

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const (
	cpufreqPath = "devices/system/cpu/cpufreq"

	relatedCPUsFile    = "related_cpus"
	affectedCPUsFile   = "affected_cpus"
	availableFreqsFile = "scaling_available_frequencies"
	boostFreqsFile     = "scaling_boost_frequencies"
	cpuinfoMinFile     = "cpuinfo_min_freq"
	cpuinfoMaxFile     = "cpuinfo_max_freq"
	scalingMinFile     = "scaling_min_freq"
	scalingMaxFile     = "scaling_max_freq"
	scalingCurFile     = "scaling_cur_freq"
)

// Discover enumerates cpufreq policies exposed via sysfs under root, sorted by id.
func Discover(root string, logger *slog.Logger) ([]Policy, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	sysRoot, err := os.OpenRoot(root)
	if err != nil {
		return nil, fmt.Errorf("open sysfs root: %w", err)
	}
	defer sysRoot.Close()

	entries, err := fs.ReadDir(sysRoot.FS(), cpufreqPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("cpufreq path missing", "path", filepath.Join(root, cpufreqPath))
			return nil, nil
		}
		return nil, fmt.Errorf("read cpufreq dir: %w", err)
	}

	var policies []Policy
	for _, entry := range entries {
		name := entry.Name()
		id, ok := parsePolicyID(name)
		if !ok {
			continue
		}
		if !entry.IsDir() && entry.Type()&os.ModeSymlink == 0 {
			continue
		}

		policyRoot, err := sysRoot.OpenRoot(filepath.Join(cpufreqPath, name))
		if err != nil {
			logger.Warn("failed to open policy root", "policy", name, "err", err)
			continue
		}

		policy, err := loadPolicy(id, name, policyRoot)
		if err := policyRoot.Close(); err != nil {
			logger.Debug("failed to close policy root", "policy", name, "err", err)
		}
		if err != nil {
			logger.Warn("failed to load policy", "policy", name, "err", err)
			continue
		}
		policies = append(policies, policy)
	}

	slices.SortFunc(policies, func(a, b Policy) int { return a.ID - b.ID })
	return policies, nil
}

func loadPolicy(id int, name string, policyRoot *os.Root) (Policy, error) {
	cpus, err := readCPUList(policyRoot, relatedCPUsFile)
	if err != nil || len(cpus) == 0 {
		cpus, err = readCPUList(policyRoot, affectedCPUsFile)
		if err != nil {
			return Policy{}, fmt.Errorf("read cpus: %w", err)
		}
	}

	var freqs []int64
	if values, err := readInts(policyRoot, availableFreqsFile); err == nil {
		freqs = append(freqs, values...)
	}
	if values, err := readInts(policyRoot, boostFreqsFile); err == nil {
		freqs = append(freqs, values...)
	}
	if len(freqs) == 0 {
		for _, file := range []string{cpuinfoMinFile, cpuinfoMaxFile} {
			if values, err := readInts(policyRoot, file); err == nil {
				freqs = append(freqs, values...)
			}
		}
	}
	freqs = normalizeFreqs(freqs)
	if len(freqs) == 0 {
		return Policy{}, fmt.Errorf("no frequency steps")
	}

	policy := Policy{
		ID:    id,
		Name:  name,
		CPUs:  cpus,
		Freqs: freqs,
	}
	policy.DefaultMin = readLimit(policyRoot, scalingMinFile, policy.Min())
	policy.DefaultMax = readLimit(policyRoot, scalingMaxFile, policy.Max())
	if policy.DefaultMin > policy.DefaultMax {
		policy.DefaultMin, policy.DefaultMax = policy.Min(), policy.Max()
	}
	return policy, nil
}

func readLimit(root *os.Root, name string, fallback int64) int64 {
	values, err := readInts(root, name)
	if err != nil || len(values) != 1 || values[0] <= 0 {
		return fallback
	}
	return values[0]
}

func parsePolicyID(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "policy")
	if !ok || rest == "" {
		return 0, false
	}
	id, err := strconv.Atoi(rest)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

func readInts(root *os.Root, name string) ([]int64, error) {
	data, err := root.ReadFile(name)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(string(data))
	out := make([]int64, 0, len(fields))
	for _, field := range fields {
		value, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		out = append(out, value)
	}
	return out, nil
}

// readCPUList accepts both "0 1 2 3" and "0-3" forms.
func readCPUList(root *os.Root, name string) ([]int, error) {
	data, err := root.ReadFile(name)
	if err != nil {
		return nil, err
	}
	var cpus []int
	for _, field := range strings.FieldsFunc(string(data), func(r rune) bool {
		return r == ' ' || r == ',' || r == '\n' || r == '\t'
	}) {
		lo, hi, isRange := strings.Cut(field, "-")
		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("parse cpu %q: %w", field, err)
		}
		end := start
		if isRange {
			end, err = strconv.Atoi(hi)
			if err != nil || end < start {
				return nil, fmt.Errorf("parse cpu range %q", field)
			}
		}
		for cpu := start; cpu <= end; cpu++ {
			cpus = append(cpus, cpu)
		}
	}
	slices.Sort(cpus)
	return slices.Compact(cpus), nil
}
