// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/sustainable-computing-io/powerstats/internal/residency"
)

// Source is a readable text snapshot that is refreshed on every Open
type Source interface {
	Name() string
	Open() (io.ReadCloser, error)
}

// FileSource reads a file such as /sys/power/rpmh_stats/master_stats
type FileSource string

func (f FileSource) Name() string {
	return string(f)
}

func (f FileSource) Open() (io.ReadCloser, error) {
	return os.Open(string(f))
}

// TextProvider parses line oriented counter dumps into residency results
// using declarative per-entity configuration.
type TextProvider struct {
	name    string
	source  Source
	logger  *slog.Logger
	order   []uint32
	configs map[uint32]residency.PowerEntityConfig

	// headers of all blocks known to this provider; a block ends where
	// another one starts
	headers map[string]struct{}
}

var (
	_ Provider  = (*TextProvider)(nil)
	_ Diagnoser = (*TextProvider)(nil)
)

// TextOptionFn configures a TextProvider
type TextOptionFn func(*TextProvider)

// WithTextLogger sets the logger of a TextProvider
func WithTextLogger(logger *slog.Logger) TextOptionFn {
	return func(p *TextProvider) {
		p.logger = logger
	}
}

// WithTextName overrides the provider name, which defaults to the source name
func WithTextName(name string) TextOptionFn {
	return func(p *TextProvider) {
		p.name = name
	}
}

// NewTextProvider creates a provider reading from src
func NewTextProvider(src Source, opts ...TextOptionFn) *TextProvider {
	p := &TextProvider{
		name:    src.Name(),
		source:  src,
		logger:  slog.Default(),
		configs: map[uint32]residency.PowerEntityConfig{},
		headers: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("provider", p.name)
	return p
}

func (p *TextProvider) Name() string {
	return p.name
}

// AddEntity binds entity id to cfg. Calling it again for the same id is a
// configuration error; merge configs with residency.Merge instead.
func (p *TextProvider) AddEntity(id uint32, cfg residency.PowerEntityConfig) error {
	if _, exists := p.configs[id]; exists {
		return residency.NewConfigError("provider %s: entity %d already added", p.name, id)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("provider %s: entity %d: %w", p.name, id, err)
	}

	p.configs[id] = cfg
	p.order = append(p.order, id)
	if cfg.Header != "" {
		p.headers[cfg.Header] = struct{}{}
	}
	for _, s := range cfg.States {
		if s.Header != "" {
			p.headers[s.Header] = struct{}{}
		}
	}
	return nil
}

func (p *TextProvider) EntityIDs() []uint32 {
	ret := make([]uint32, len(p.order))
	copy(ret, p.order)
	return ret
}

func (p *TextProvider) Collect(ctx context.Context, ids []uint32) ([]residency.StateResidencyResult, error) {
	results, _, err := p.CollectWithDiagnostics(ctx, ids)
	return results, err
}

// CollectWithDiagnostics is Collect that also returns the fields degraded to
// absent by this call
func (p *TextProvider) CollectWithDiagnostics(ctx context.Context, ids []uint32) ([]residency.StateResidencyResult, []error, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	lines, err := p.readLines()
	if err != nil {
		var errs []error
		for _, id := range ids {
			if _, owned := p.configs[id]; owned {
				errs = append(errs, residency.ProviderIOError{Provider: p.name, EntityID: id, Err: err})
			}
		}
		return nil, nil, errors.Join(errs...)
	}

	var (
		results []residency.StateResidencyResult
		diags   []error
	)
	for _, id := range ids {
		cfg, owned := p.configs[id]
		if !owned {
			continue
		}
		for _, state := range cfg.States {
			header := state.Header
			if header == "" {
				header = cfg.Header
			}
			block := p.findBlock(lines, header)
			r, errs := parseState(id, state, block)
			results = append(results, r)
			diags = append(diags, errs...)
		}
	}

	for _, d := range diags {
		p.logger.Debug("field degraded to absent", "error", d)
	}
	return results, diags, nil
}

func (p *TextProvider) readLines() ([]string, error) {
	r, err := p.source.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", p.source.Name(), err)
	}
	defer func() {
		// ignored on purpose
		_ = r.Close()
	}()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p.source.Name(), err)
	}
	return strings.Split(string(data), "\n"), nil
}

// findBlock returns the lines following the first line matching header, up to
// the next line matching any other known header. It returns nil when the
// header is not present.
func (p *TextProvider) findBlock(lines []string, header string) []string {
	start := -1
	for i, line := range lines {
		if matchesHeader(line, header) {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return nil
	}

	for end := start; end < len(lines); end++ {
		for other := range p.headers {
			if other != header && matchesHeader(lines[end], other) {
				return lines[start:end]
			}
		}
	}
	return lines[start:]
}

// matchesHeader reports whether line starts with header as a whole token, so
// that "SLPI" does not match a "SLPI_ISLAND" line.
func matchesHeader(line, header string) bool {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, header) {
		return false
	}
	rest := line[len(header):]
	if rest == "" {
		return true
	}
	r := []rune(rest)[0]
	return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
}

func parseState(id uint32, cfg residency.StateResidencyConfig, block []string) (residency.StateResidencyResult, []error) {
	ret := residency.Absent(id, cfg.Name)
	if block == nil {
		return ret, nil
	}

	var errs []error
	read := func(prefix string, transform residency.Transform) *uint64 {
		v, err := readField(block, prefix, transform)
		if err != nil {
			var pe residency.ParseError
			if errors.As(err, &pe) {
				pe.EntityID = id
				pe.State = cfg.Name
				err = pe
			}
			errs = append(errs, err)
		}
		return v
	}

	if cfg.EntryCountSupported {
		ret.EntryCount = read(cfg.EntryCountPrefix, nil)
	}
	if cfg.TotalTimeSupported {
		ret.TotalTimeMs = read(cfg.TotalTimePrefix, cfg.TotalTimeTransform)
	}
	if cfg.LastEntrySupported {
		ret.LastEntryTimestampMs = read(cfg.LastEntryPrefix, cfg.LastEntryTransform)
	}
	return ret, errs
}

// readField scans block for the first line starting with prefix and parses the
// numeric token that follows it. A missing prefix yields nil without error.
func readField(block []string, prefix string, transform residency.Transform) (*uint64, error) {
	for _, line := range block {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, prefix) {
			continue
		}

		fields := strings.Fields(line[len(prefix):])
		token := ""
		if len(fields) > 0 {
			token = fields[0]
		}
		raw, err := parseCounter(token)
		if err != nil {
			return nil, residency.ParseError{Prefix: prefix, Token: token, Err: err}
		}

		v, err := transform.Apply(raw)
		if err != nil {
			return nil, fmt.Errorf("transform after %q failed: %w", prefix, err)
		}
		return &v, nil
	}
	return nil, nil
}

// parseCounter accepts an optionally signed decimal or 0x prefixed hex integer.
// Negative values cannot be represented as counters and are rejected.
func parseCounter(token string) (uint64, error) {
	if token == "" {
		return 0, fmt.Errorf("missing value")
	}
	if strings.HasPrefix(token, "-") {
		return 0, fmt.Errorf("negative counter")
	}
	token = strings.TrimPrefix(token, "+")
	if strings.HasPrefix(token, "0x") || strings.HasPrefix(token, "0X") {
		return strconv.ParseUint(token[2:], 16, 64)
	}
	return strconv.ParseUint(token, 10, 64)
}
