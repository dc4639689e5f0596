package provider

import (
	"context"
	"crypto/sha256"
	"fmt"

	"mediagen/internal/domain"
)

// Synthetic generates deterministic placeholder artifacts. It backs
// development and test environments where no real backend is configured.
type Synthetic struct {
	name string
}

// NewSynthetic creates the synthetic provider.
func NewSynthetic() *Synthetic {
	return &Synthetic{name: "synthetic"}
}

func (s *Synthetic) Name() string { return s.name }

func (s *Synthetic) Kinds() []domain.JobKind {
	return []domain.JobKind{domain.JobKindImage, domain.JobKindVideo, domain.JobKindAudio}
}

func (s *Synthetic) Capabilities() Capabilities {
	return Capabilities{CostPerUnit: 0.1, RateLimitPerMin: 600, QualityScore: 0.1}
}

// Generate produces count placeholder artifacts derived from the request, so
// repeated runs of the same job yield identical bytes.
func (s *Synthetic) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	count := intParam(req.Params, "count", 1)
	if count < 1 {
		count = 1
	}
	mime := mimeForKind(req.Kind)

	res := &Result{}
	for i := 0; i < count; i++ {
		seed := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", req.JobID, req.Kind, i)))
		data := []byte(fmt.Sprintf("synthetic %s artifact %x", req.Kind, seed[:8]))
		res.Artifacts = append(res.Artifacts, ArtifactData{Bytes: data, MIME: mime})
	}
	return res, nil
}

func mimeForKind(kind domain.JobKind) string {
	switch kind {
	case domain.JobKindImage:
		return "image/png"
	case domain.JobKindVideo:
		return "video/mp4"
	case domain.JobKindAudio:
		return "audio/mpeg"
	}
	return "application/octet-stream"
}
