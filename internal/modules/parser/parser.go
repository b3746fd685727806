// Package parser turns unstructured backtest process output into structured
// metrics, error blocks, and a success signal.
//
// Two metric passes run over the same text: a marker-line pass keyed on a
// fixed sentinel token and a box-table pass over bordered statistics tables.
// Their results are merged with the table pass winning on key collisions.
// All values are kept as the raw strings printed by the backtest engine.
package parser

import (
	"strings"
)

// DefaultSentinel prefixes every statistics line of the marker-line pass.
// Changing it breaks the contract with the backtest engine's output format.
const DefaultSentinel = "STATISTICS::"

// Config controls parser behaviour.
type Config struct {
	// Sentinel is the marker-line token. Empty means DefaultSentinel.
	Sentinel string
	// WarningsBlock makes warning-only error blocks count as blocking errors.
	// When false they are reported in Result.Warnings only.
	WarningsBlock bool
}

// DefaultConfig returns the configuration matching the engine's historical behaviour.
func DefaultConfig() Config {
	return Config{Sentinel: DefaultSentinel, WarningsBlock: true}
}

// Result is the structured form of one backtest run's output.
type Result struct {
	Succeeded          bool              `json:"succeeded"`
	Metrics            map[string]string `json:"metrics"`
	Errors             []string          `json:"errors"`
	Warnings           []string          `json:"warnings,omitempty"`
	FailedDataRequests []string          `json:"failed_data_requests,omitempty"`
	// Ambiguous is set when the output has neither a success marker nor any
	// error block, which otherwise looks the same as a failed run.
	Ambiguous bool `json:"ambiguous,omitempty"`
}

// Parser extracts metrics and error blocks from raw output. It is stateless
// and safe for concurrent use.
type Parser struct {
	cfg Config
}

// New creates a parser.
func New(cfg Config) *Parser {
	if cfg.Sentinel == "" {
		cfg.Sentinel = DefaultSentinel
	}
	return &Parser{cfg: cfg}
}

// Sentinel returns the marker-line token in use.
func (p *Parser) Sentinel() string {
	return p.cfg.Sentinel
}

// Parse runs both metric passes and the error scan over raw.
func (p *Parser) Parse(raw string) Result {
	lines := splitLines(raw)

	metrics := make(map[string]string)
	markerFound := p.markerPass(lines, metrics)
	tablePass(lines, metrics)

	blocks := scanErrorBlocks(lines)

	res := Result{
		Metrics:            metrics,
		Errors:             []string{},
		Warnings:           []string{},
		FailedDataRequests: failedDataRequests(lines),
	}
	for _, b := range blocks {
		text := b.text()
		if b.warningOnly {
			res.Warnings = append(res.Warnings, text)
			if !p.cfg.WarningsBlock {
				continue
			}
		}
		res.Errors = append(res.Errors, text)
	}

	// ascii tables contribute metrics but never count as a completion marker
	hasMarker := markerFound || strings.Contains(raw, topBorderPattern)
	res.Succeeded = hasMarker && len(res.Errors) == 0
	res.Ambiguous = !hasMarker && len(blocks) == 0

	return res
}

// markerPass collects "<sentinel>name: value" lines. It reports whether any
// line carried the sentinel, even if its payload was discarded.
func (p *Parser) markerPass(lines []string, metrics map[string]string) bool {
	found := false
	for _, line := range lines {
		_, payload, ok := strings.Cut(line, p.cfg.Sentinel)
		if !ok {
			continue
		}
		found = true

		name, value, ok := strings.Cut(payload, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if name == "" || value == "" {
			continue
		}
		metrics[name] = value
	}
	return found
}

func splitLines(raw string) []string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	return strings.Split(raw, "\n")
}
