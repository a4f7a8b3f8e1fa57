package storage

import (
	"sort"

	"github.com/zricethezav/gitleaks/v8/detect"
	"go.uber.org/zap"
)

const redactionPlaceholder = "[REDACTED]"

// MetadataScrubber redacts secret-shaped substrings from document metadata
// before it reaches the write-ahead log, so a leaked WAL file never carries
// credential material a caller accidentally stored (spec §3 "documents
// carry opaque caller metadata" does not exempt that metadata from secret
// hygiene). Grounded on the teacher's pkg/secrets/detector.go, which wraps
// the same gitleaks detector.
type MetadataScrubber struct {
	detector *detect.Detector
	logger   *zap.Logger
}

func NewMetadataScrubber(logger *zap.Logger) (*MetadataScrubber, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, err
	}
	return &MetadataScrubber{detector: d, logger: logger}, nil
}

// Scrub returns a copy of content with every gitleaks-detected secret
// substring replaced by a fixed placeholder. Findings are replaced from
// the end of the string backward so earlier offsets stay valid.
func (s *MetadataScrubber) Scrub(content string) string {
	findings := s.detector.DetectString(content)
	if len(findings) == 0 {
		return content
	}

	sort.Slice(findings, func(i, j int) bool { return findings[i].StartColumn > findings[j].StartColumn })

	out := content
	for _, f := range findings {
		if f.StartColumn < 0 || f.EndColumn > len(out) || f.StartColumn > f.EndColumn {
			continue
		}
		out = out[:f.StartColumn] + redactionPlaceholder + out[f.EndColumn:]
	}
	if len(findings) > 0 {
		s.logger.Debug("scrubbed secret-shaped content from WAL metadata", zap.Int("findings", len(findings)))
	}
	return out
}
